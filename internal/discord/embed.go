package discord

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/tweetsync/internal/model"
)

// 埋め込みの色
const (
	ColorBlue  = 0x3498db
	ColorGreen = 0x2ecc71
	ColorRed   = 0xe74c3c
)

// Discordの埋め込みの文字数上限
const (
	maxTitleLength       = 256
	maxDescriptionLength = 4000
	maxFieldValueLength  = 1024
	maxFields            = 25
)

// TwitterIconURL は埋め込みのサムネイルとフッターに使うアイコン。
const TwitterIconURL = "https://abs.twimg.com/icons/apple-touch-icon-192x192.png"

// ItemURL は投稿の公開URLを返す。
func ItemURL(handle, itemID string) string {
	return fmt.Sprintf("https://twitter.com/%s/status/%s", handle, itemID)
}

// ItemEmbed は投稿を配信用の埋め込みに変換する。
func ItemEmbed(item model.ContentItem) *discordgo.MessageEmbed {
	text := item.Text
	if utf8.RuneCountInString(text) > maxDescriptionLength {
		text = truncateRunes(text, maxDescriptionLength) + "..."
	}

	embed := &discordgo.MessageEmbed{
		Title:       truncateRunes("New Tweet from @"+item.AuthorHandle, maxTitleLength),
		Description: text,
		URL:         ItemURL(item.AuthorHandle, item.ID),
		Color:       ColorBlue,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "❤️ Likes", Value: strconv.Itoa(item.LikeCount), Inline: true},
			{Name: "🔄 Retweets", Value: strconv.Itoa(item.ShareCount), Inline: true},
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: TwitterIconURL},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Twitter", IconURL: TwitterIconURL},
	}
	if item.CreatedAt != nil {
		embed.Timestamp = item.CreatedAt.UTC().Format(time.RFC3339)
	}
	return embed
}

// noticeEmbed はコマンド応答用の埋め込みを生成する。
func noticeEmbed(title, description string, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       truncateRunes(title, maxTitleLength),
		Description: description,
		Color:       color,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: TwitterIconURL},
	}
}

// fieldValue はフィールド値を上限に収める。
func fieldValue(s string) string {
	if utf8.RuneCountInString(s) <= maxFieldValueLength {
		return s
	}
	return truncateRunes(s, maxFieldValueLength-4) + "..."
}

// truncateRunes は文字単位でsを最大n文字に切り詰める。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
