package source

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ResponseClass はHTTPステータスコードに基づく応答の分類。
type ResponseClass int

const (
	// ResponseOK は成功（200）。
	ResponseOK ResponseClass = iota
	// ResponseNotFound は対象が存在しない（400/404/410）。
	ResponseNotFound
	// ResponseAuthFailure は認証・認可の失敗（401/403）。
	ResponseAuthFailure
	// ResponseRateLimited はレート制限（429）。
	ResponseRateLimited
	// ResponseTransient はサーバー側の一時障害（5xx）。
	ResponseTransient
	// ResponseUnknown は未知のステータスコード。
	ResponseUnknown
)

const (
	// defaultRateLimitBackoff はレート制限の解除時刻が分からない場合の待機時間。
	// X APIのレート制限ウィンドウに合わせる。
	defaultRateLimitBackoff = 15 * time.Minute
	// minRateLimitBackoff はレート制限時の最短待機時間。
	minRateLimitBackoff = 5 * time.Second
	// maxRateLimitBackoff はレート制限時の最長待機時間。
	maxRateLimitBackoff = 30 * time.Minute
)

// ClassifyHTTPStatus はHTTPステータスコードを応答分類に変換する。
func ClassifyHTTPStatus(statusCode int) ResponseClass {
	switch {
	case statusCode == http.StatusOK:
		return ResponseOK
	case statusCode == http.StatusBadRequest || statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return ResponseNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ResponseAuthFailure
	case statusCode == http.StatusTooManyRequests:
		return ResponseRateLimited
	case statusCode >= 500:
		return ResponseTransient
	default:
		return ResponseUnknown
	}
}

// RateLimitDelay はレート制限応答のヘッダから待機時間を算出する。
// x-rate-limit-reset（UNIX秒）、Retry-After（秒）の順に参照し、
// どちらもない場合はdefaultRateLimitBackoffを返す。
func RateLimitDelay(h http.Header, now time.Time) time.Duration {
	delay := defaultRateLimitBackoff

	if reset := h.Get("x-rate-limit-reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			delay = time.Unix(epoch, 0).Sub(now)
		}
	} else if after := h.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil {
			delay = time.Duration(secs) * time.Second
		}
	}

	if delay < minRateLimitBackoff {
		return minRateLimitBackoff
	}
	if delay > maxRateLimitBackoff {
		return maxRateLimitBackoff
	}
	return delay
}

// backoff はレート制限中に提供元への呼び出しを止めるための状態。
type backoff struct {
	mu    sync.Mutex
	until time.Time
}

// active はnow時点でバックオフ中かを返す。
func (b *backoff) active(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.until)
}

// extend はバックオフの終了時刻をuntilまで延ばす。既により後の時刻なら何もしない。
func (b *backoff) extend(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.until) {
		b.until = until
	}
}

// remaining はバックオフ終了までの残り時間を返す。
func (b *backoff) remaining(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.until) {
		return b.until.Sub(now)
	}
	return 0
}
