package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tweetsync/internal/model"
	"github.com/hitoshi/tweetsync/internal/security"
)

// backendRSS はメトリクスとログで使うバックエンド名。
const backendRSS = "rss"

// statusIDPattern は投稿リンクからステータスIDを取り出す。
var statusIDPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// RSSConfig はRSSClientの設定。
type RSSConfig struct {
	// BridgeURL はNitter互換ブリッジのベースURL。{BridgeURL}/{handle}/rss を取得する。
	BridgeURL     string
	Timeout       time.Duration
	RatePerMinute int
	// AllowPrivate がtrueの場合はプライベートアドレス上のブリッジへの接続を許可する。
	AllowPrivate bool
}

// RSSClient はNitter互換のRSSブリッジを使用するSource実装。
// APIの認証情報が不要な代わりに、いいね数などの反応数は取得できない。
type RSSClient struct {
	httpClient *http.Client
	bridgeURL  string
	extractor  *security.TextExtractor
	limiter    *rate.Limiter
	metrics    MetricsRecorder
	logger     *slog.Logger
	now        func() time.Time
	backoff    backoff
}

// NewRSSClient はRSSClientを生成する。
// AllowPrivateがfalseの場合、SSRF防止付きのHTTPクライアントを使用する。
func NewRSSClient(cfg RSSConfig, guard *security.SSRFGuard, metrics MetricsRecorder, logger *slog.Logger) *RSSClient {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if !cfg.AllowPrivate && guard != nil {
		httpClient = guard.NewSafeClient(cfg.Timeout)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &RSSClient{
		httpClient: httpClient,
		bridgeURL:  strings.TrimRight(cfg.BridgeURL, "/"),
		extractor:  security.NewTextExtractor(),
		limiter:    newLimiter(cfg.RatePerMinute),
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// ResolveAccount はハンドルのフィードを取得し、取得できればアカウントが存在するとみなす。
func (c *RSSClient) ResolveAccount(ctx context.Context, handle string) model.Resolution {
	feed, status, err := c.fetchFeed(ctx, handle)
	if err != nil {
		return model.Transient(err)
	}

	switch ClassifyHTTPStatus(status) {
	case ResponseOK:
	case ResponseNotFound:
		return model.NotFound()
	default:
		return model.Transient(fmt.Errorf("RSSブリッジがステータス %d を返しました", status))
	}

	account := &model.Account{ID: handle, Handle: handle, Name: feed.Title}
	if feed.Image != nil {
		account.ImageURL = feed.Image.URL
	}
	return model.Found(account)
}

// FetchRecentItems はフィードの先頭からlimit件の投稿を返す。
// リンクからステータスIDを取り出せない項目は無視する。
func (c *RSSClient) FetchRecentItems(ctx context.Context, handle string, limit int) []model.ContentItem {
	if limit <= 0 {
		return nil
	}

	feed, status, err := c.fetchFeed(ctx, handle)
	if err != nil {
		c.logger.Warn("RSSフィードの取得に失敗しました",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if ClassifyHTTPStatus(status) != ResponseOK {
		c.logger.Warn("RSSフィードの取得に失敗しました",
			slog.String("handle", handle),
			slog.Int("http_status", status),
		)
		return nil
	}

	items := make([]model.ContentItem, 0, limit)
	for _, it := range feed.Items {
		if len(items) >= limit {
			break
		}
		id := statusID(it)
		if id == "" {
			c.logger.Debug("ステータスIDを取得できない項目をスキップします",
				slog.String("handle", handle),
				slog.String("link", it.Link),
			)
			continue
		}

		text := c.extractor.Extract(it.Description)
		if text == "" {
			text = strings.TrimSpace(it.Title)
		}

		items = append(items, model.ContentItem{
			ID:           id,
			AuthorHandle: handle,
			Text:         text,
			CreatedAt:    it.PublishedParsed,
		})
	}
	return items
}

// fetchFeed はブリッジからフィードを取得してパースする。
// 200以外の応答ではフィードはnilで、ステータスコードのみを返す。
func (c *RSSClient) fetchFeed(ctx context.Context, handle string) (*gofeed.Feed, int, error) {
	if c.backoff.active(c.now()) {
		return nil, 0, fmt.Errorf("%w: 残り %s", ErrRateLimited, c.backoff.remaining(c.now()).Round(time.Second))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("リクエスト待機が中断されました: %w", err)
	}

	feedURL := c.bridgeURL + "/" + url.PathEscape(handle) + "/rss"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.8")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordProviderResponse(backendRSS, 0, time.Since(start))
		return nil, 0, fmt.Errorf("RSSブリッジの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordProviderResponse(backendRSS, resp.StatusCode, time.Since(start))

	if ClassifyHTTPStatus(resp.StatusCode) == ResponseRateLimited {
		delay := RateLimitDelay(resp.Header, c.now())
		c.backoff.extend(c.now().Add(delay))
		c.logger.Warn("RSSブリッジのレート制限に達しました",
			slog.String("handle", handle),
			slog.Int64("backoff_ms", delay.Milliseconds()),
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("RSSフィードのパースに失敗しました: %w", err)
	}
	return feed, resp.StatusCode, nil
}

// statusID はリンクまたはGUIDからステータスIDを取り出す。
func statusID(it *gofeed.Item) string {
	for _, s := range []string{it.Link, it.GUID} {
		if m := statusIDPattern.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

var _ Source = (*RSSClient)(nil)
