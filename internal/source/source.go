// Package source はコンテンツ提供元（X/Twitter API、またはNitter互換RSSブリッジ）から
// アカウント情報と最新投稿を取得するクライアントを提供する。
//
// どのバックエンドも一時的な障害をエラーとして返さない。
// ResolveAccountは結果をmodel.Resolutionのタグで区別し、
// FetchRecentItemsは障害時に空の結果を返してログに記録する。
package source

import (
	"context"
	"time"

	"github.com/hitoshi/tweetsync/internal/model"
)

// Source はコンテンツ提供元へのアクセスを抽象化する。
type Source interface {
	// ResolveAccount はハンドルに対応するアカウントを解決する。
	// 存在しない場合はResolveNotFound、判定できない障害時はResolveTransientを返す。
	ResolveAccount(ctx context.Context, handle string) model.Resolution

	// FetchRecentItems はアカウントの最新投稿を最大limit件返す。
	// 順序は提供元の返した順。障害時や該当なしの場合は空を返す。
	FetchRecentItems(ctx context.Context, handle string, limit int) []model.ContentItem
}

// MetricsRecorder は提供元へのリクエスト結果を記録する。
// statusCodeが0の場合はHTTP応答を得られなかったことを表す。
type MetricsRecorder interface {
	RecordProviderResponse(backend string, statusCode int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordProviderResponse(string, int, time.Duration) {}

// userAgent は提供元へのリクエストに付与するUser-Agent。
const userAgent = "tweetsync/1.0 (+https://github.com/hitoshi/tweetsync)"
