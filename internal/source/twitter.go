package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tweetsync/internal/model"
)

const (
	// backendTwitter はメトリクスとログで使うバックエンド名。
	backendTwitter = "twitter"
	// DefaultTwitterBaseURL はX APIのベースURL。
	DefaultTwitterBaseURL = "https://api.twitter.com"
	// minTweetsPerRequest / maxTweetsPerRequest はmax_resultsに指定できる範囲。
	minTweetsPerRequest = 5
	maxTweetsPerRequest = 100
	// userIDCacheTTL はハンドルからユーザーIDへの対応を保持する時間。
	userIDCacheTTL = time.Hour
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 2 << 20
)

// ErrRateLimited はレート制限によるバックオフ中であることを示す。
var ErrRateLimited = errors.New("provider rate limited")

// TwitterConfig はTwitterClientの設定。
// BearerTokenが空の場合はAPIKey/APISecretでアプリ専用トークンを取得する。
type TwitterConfig struct {
	BaseURL       string
	BearerToken   string
	APIKey        string
	APISecret     string
	Timeout       time.Duration
	RatePerMinute int
}

type cachedUserID struct {
	id        string
	expiresAt time.Time
}

// TwitterClient はX API v2を使用するSource実装。
type TwitterClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	metrics    MetricsRecorder
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	userIDs map[string]cachedUserID

	backoff backoff
}

// NewTwitterClient はTwitterClientを生成する。
// ctxはアプリ専用トークン取得時のHTTPクライアント解決にのみ使用される。
func NewTwitterClient(ctx context.Context, cfg TwitterConfig, metrics MetricsRecorder, logger *slog.Logger) *TwitterClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultTwitterBaseURL
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	base := &http.Client{Timeout: cfg.Timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var httpClient *http.Client
	if cfg.BearerToken != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.BearerToken,
			TokenType:   "Bearer",
		}))
	} else {
		cc := &clientcredentials.Config{
			ClientID:     cfg.APIKey,
			ClientSecret: cfg.APISecret,
			TokenURL:     baseURL + "/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		httpClient = cc.Client(ctx)
	}
	httpClient.Timeout = cfg.Timeout

	return &TwitterClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    newLimiter(cfg.RatePerMinute),
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		userIDs:    make(map[string]cachedUserID),
	}
}

// newLimiter は1分あたりのリクエスト数からリミッタを生成する。0以下なら無制限。
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

type twitterUser struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url"`
}

type twitterError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

type userResponse struct {
	Data   *twitterUser   `json:"data"`
	Errors []twitterError `json:"errors"`
}

type tweet struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	CreatedAt     *time.Time `json:"created_at"`
	PublicMetrics struct {
		LikeCount    int `json:"like_count"`
		RetweetCount int `json:"retweet_count"`
	} `json:"public_metrics"`
}

type tweetsResponse struct {
	Data   []tweet        `json:"data"`
	Errors []twitterError `json:"errors"`
}

// ResolveAccount はハンドルに対応するユーザーを取得する。
// X APIは存在しないユーザーに対して200とerrors配列を返すため、dataがない応答も未存在として扱う。
func (c *TwitterClient) ResolveAccount(ctx context.Context, handle string) model.Resolution {
	q := url.Values{}
	q.Set("user.fields", "profile_image_url")

	status, body, err := c.get(ctx, "/2/users/by/username/"+url.PathEscape(handle), q)
	if err != nil {
		return model.Transient(err)
	}

	switch ClassifyHTTPStatus(status) {
	case ResponseOK:
	case ResponseNotFound:
		return model.NotFound()
	default:
		return model.Transient(fmt.Errorf("X APIがステータス %d を返しました", status))
	}

	var resp userResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("ユーザー情報のパースに失敗しました",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return model.Transient(fmt.Errorf("ユーザー情報のパースに失敗しました: %w", err))
	}
	if resp.Data == nil || resp.Data.ID == "" {
		if len(resp.Errors) > 0 {
			c.logger.Info("アカウントが見つかりません",
				slog.String("handle", handle),
				slog.String("detail", resp.Errors[0].Detail),
			)
		}
		return model.NotFound()
	}

	c.storeUserID(handle, resp.Data.ID)

	return model.Found(&model.Account{
		ID:       resp.Data.ID,
		Handle:   strings.ToLower(resp.Data.Username),
		Name:     resp.Data.Name,
		ImageURL: resp.Data.ProfileImageURL,
	})
}

// FetchRecentItems はユーザーの最新ツイートを取得する。
// APIの最小取得件数を下回るlimitは最小件数で取得してから切り詰める。
func (c *TwitterClient) FetchRecentItems(ctx context.Context, handle string, limit int) []model.ContentItem {
	if limit <= 0 {
		return nil
	}

	userID, ok := c.lookupUserID(handle)
	if !ok {
		res := c.ResolveAccount(ctx, handle)
		if res.Status != model.ResolveFound {
			c.logFetchSkipped(handle, res)
			return nil
		}
		userID = res.Account.ID
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clamp(limit, minTweetsPerRequest, maxTweetsPerRequest)))
	q.Set("tweet.fields", "created_at,public_metrics")

	status, body, err := c.get(ctx, "/2/users/"+url.PathEscape(userID)+"/tweets", q)
	if err != nil {
		c.logger.Warn("ツイートの取得に失敗しました",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return nil
	}

	switch ClassifyHTTPStatus(status) {
	case ResponseOK:
	case ResponseNotFound:
		// アカウント削除やID変更の可能性があるため次回は再解決する
		c.forgetUserID(handle)
		c.logger.Warn("ツイート取得対象のユーザーが見つかりません",
			slog.String("handle", handle),
			slog.String("user_id", userID),
		)
		return nil
	default:
		c.logger.Warn("ツイートの取得に失敗しました",
			slog.String("handle", handle),
			slog.Int("http_status", status),
		)
		return nil
	}

	var resp tweetsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("ツイートのパースに失敗しました",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return nil
	}

	items := make([]model.ContentItem, 0, len(resp.Data))
	for _, t := range resp.Data {
		if len(items) >= limit {
			break
		}
		items = append(items, model.ContentItem{
			ID:           t.ID,
			AuthorHandle: handle,
			Text:         t.Text,
			LikeCount:    t.PublicMetrics.LikeCount,
			ShareCount:   t.PublicMetrics.RetweetCount,
			CreatedAt:    t.CreatedAt,
		})
	}
	return items
}

// get はAPIへGETリクエストを送り、ステータスコードとボディを返す。
// バックオフ中は通信せずErrRateLimitedを返す。429を受け取った場合はバックオフを開始する。
func (c *TwitterClient) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	if c.backoff.active(c.now()) {
		return 0, nil, fmt.Errorf("%w: 残り %s", ErrRateLimited, c.backoff.remaining(c.now()).Round(time.Second))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("リクエスト待機が中断されました: %w", err)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordProviderResponse(backendTwitter, 0, time.Since(start))
		c.logger.Error("X APIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return 0, nil, fmt.Errorf("X APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordProviderResponse(backendTwitter, resp.StatusCode, time.Since(start))

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case ResponseRateLimited:
		delay := RateLimitDelay(resp.Header, c.now())
		c.backoff.extend(c.now().Add(delay))
		c.logger.Warn("X APIのレート制限に達しました",
			slog.String("path", path),
			slog.Int64("backoff_ms", delay.Milliseconds()),
		)
	case ResponseAuthFailure:
		c.logger.Error("X APIの認証に失敗しました。認証情報を確認してください",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *TwitterClient) lookupUserID(handle string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.userIDs[handle]
	if !ok || c.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.id, true
}

func (c *TwitterClient) storeUserID(handle, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userIDs[handle] = cachedUserID{id: id, expiresAt: c.now().Add(userIDCacheTTL)}
}

func (c *TwitterClient) forgetUserID(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.userIDs, handle)
}

func (c *TwitterClient) logFetchSkipped(handle string, res model.Resolution) {
	if res.Status == model.ResolveNotFound {
		c.logger.Warn("追跡中のアカウントが見つかりません", slog.String("handle", handle))
		return
	}
	attrs := []any{slog.String("handle", handle)}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
	}
	c.logger.Warn("アカウントを解決できないため取得をスキップします", attrs...)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ Source = (*TwitterClient)(nil)
