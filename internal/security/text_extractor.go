package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// maxBlankLines は連続して残す空行の上限。
const maxBlankLines = 1

// TextExtractor はRSSブリッジが返すHTML本文をチャット投稿用のプレーンテキストに変換する。
// bluemondayで許可リスト外のタグ（script, style, iframe等）を中身ごと除去した後、
// x/net/htmlのトークナイザで改行構造を保ったままテキストだけを取り出す。
type TextExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorを生成する。
func NewTextExtractor() *TextExtractor {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "div", "blockquote", "ul", "ol", "li", "span", "strong", "em", "b", "i")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()

	return &TextExtractor{policy: p}
}

// Extract はHTML断片からテキストを取り出す。
// ブロック要素とbrは改行に、リンクはアンカーテキストに置き換わる。
// HTML実体参照はデコードされる。
func (e *TextExtractor) Extract(rawHTML string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}

	cleaned := e.policy.Sanitize(rawHTML)

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(cleaned))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF 以外のエラーでもそこまでのテキストを返す
			return normalizeLines(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br":
				b.WriteByte('\n')
			case "li":
				b.WriteString("\n・")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "p", "div", "blockquote", "ul", "ol":
				b.WriteByte('\n')
			}
		}
	}
}

// normalizeLines は行末の空白を除き、連続する空行を詰める。
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			if blank > maxBlankLines {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
