// Package relay は追跡アカウントの新着投稿を配信先チャンネルへ中継する定期処理を提供する。
//
// 1回のティックでは購読一覧を読み込み、配信先（サーバー, チャンネル）ごとにまとめ、
// アカウントごとに最新投稿を取得し、配信済みキャッシュで重複を除いてから配信する。
// 配信済みの記録は配信より先に行うため、配信に失敗した投稿も再送しない。
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tweetsync/internal/metrics"
	"github.com/hitoshi/tweetsync/internal/model"
	"github.com/hitoshi/tweetsync/internal/telemetry"
)

// SubscriptionLister は購読一覧のスナップショットを返す。
type SubscriptionLister interface {
	List(ctx context.Context, serverID string) ([]*model.Subscription, error)
}

// DeliveryCache は配信済み投稿の記録。MarkDeliveredは新規記録時のみtrueを返す。
type DeliveryCache interface {
	IsDelivered(ctx context.Context, itemID string) (bool, error)
	MarkDelivered(ctx context.Context, itemID, handle string) (bool, error)
}

// ContentSource はアカウントの最新投稿を返す。障害時は空を返す。
type ContentSource interface {
	FetchRecentItems(ctx context.Context, handle string, limit int) []model.ContentItem
}

// ChannelResolver は配信先チャンネルが送信可能かを確認する。
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, channelID string) error
}

// Sink は投稿をチャンネルへ送信する。
type Sink interface {
	Send(ctx context.Context, channelID string, item model.ContentItem) model.DeliveryResult
}

// MetricsRecorder はスケジューラが記録するメトリクス。
type MetricsRecorder interface {
	RecordTick(result string, duration time.Duration)
	RecordDelivery(status string)
	RecordDuplicateSkipped()
	RecordUnresolvedChannel()
	SetSubscriptions(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordTick(string, time.Duration) {}
func (noopMetrics) RecordDelivery(string)            {}
func (noopMetrics) RecordDuplicateSkipped()          {}
func (noopMetrics) RecordUnresolvedChannel()         {}
func (noopMetrics) SetSubscriptions(int)             {}

// ErrTickInProgress は前回のティックが実行中のためスキップしたことを示す。
var ErrTickInProgress = errors.New("previous tick still running")

const (
	// DefaultItemLimit はアカウントごとに1ティックで取得する投稿数。
	DefaultItemLimit = 5
	// DefaultDeliveryPause は配信ごとの待機時間。配信先プラットフォームのレート制限対策。
	DefaultDeliveryPause = time.Second
)

// Options はSchedulerの動作設定。
type Options struct {
	// ItemLimit はアカウントごとの取得件数。0以下ならDefaultItemLimit。
	ItemLimit int
	// DeliveryPause は配信ごとの待機時間。負ならDefaultDeliveryPause、0なら待機しない。
	DeliveryPause time.Duration
	// MaxConcurrency は同時に処理する配信先の数。0以下なら1（逐次処理）。
	MaxConcurrency int
}

// Scheduler は定期的に新着投稿を配信する。
type Scheduler struct {
	subs     SubscriptionLister
	cache    DeliveryCache
	source   ContentSource
	channels ChannelResolver
	sink     Sink
	metrics  MetricsRecorder
	logger   *slog.Logger

	itemLimit      int
	deliveryPause  time.Duration
	maxConcurrency int

	running atomic.Bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。metricsはnilでもよい。
func NewScheduler(
	subs SubscriptionLister,
	cache DeliveryCache,
	source ContentSource,
	channels ChannelResolver,
	sink Sink,
	metrics MetricsRecorder,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	if opts.ItemLimit <= 0 {
		opts.ItemLimit = DefaultItemLimit
	}
	if opts.DeliveryPause < 0 {
		opts.DeliveryPause = DefaultDeliveryPause
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Scheduler{
		subs:           subs,
		cache:          cache,
		source:         source,
		channels:       channels,
		sink:           sink,
		metrics:        metrics,
		logger:         logger,
		itemLimit:      opts.ItemLimit,
		deliveryPause:  opts.DeliveryPause,
		maxConcurrency: opts.MaxConcurrency,
	}
}

// Start はreadyが閉じられるのを待ってから、interval間隔でティックを実行する。
// 待機開始直後に1回実行し、以降はコンテキストがキャンセルされるまで継続する。
// readyがnilの場合は待機しない。ティックの失敗はログに記録して次回に持ち越す。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, ready <-chan struct{}) {
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			s.logger.Info("準備完了前に配信スケジューラを停止しました")
			return
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("item_limit", s.itemLimit),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	err := s.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTickInProgress):
		s.logger.Warn("前回の配信サイクルが実行中のためスキップしました")
	case errors.Is(err, context.Canceled):
		s.logger.Info("配信サイクルを中断しました")
	default:
		s.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// destination は配信先ごとにまとめた購読。
type destination struct {
	model.Destination
	handles []string
}

// groupByDestination は購読を配信先ごとにまとめる。
// 配信先の順序とその中のアカウントの順序は一覧の順序を保つ。
func groupByDestination(subs []*model.Subscription) []destination {
	index := make(map[model.Destination]int)
	var dests []destination
	for _, sub := range subs {
		key := sub.Destination()
		i, ok := index[key]
		if !ok {
			i = len(dests)
			index[key] = i
			dests = append(dests, destination{Destination: key})
		}
		dests[i].handles = append(dests[i].handles, sub.Handle)
	}
	return dests
}

// TickStats は1回のティックの集計。
type TickStats struct {
	Destinations int
	Unresolved   int
	Fetched      int
	Duplicates   int
	Sent         int
	Rejected     int
}

// RunOnce は1回分の配信サイクルを実行する。
// 前回のサイクルが実行中の場合は何もせずErrTickInProgressを返す。
// ストア障害が発生した場合は残りの配信先の処理を中止してエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.RecordTick(metrics.TickResultSkipped, 0)
		return ErrTickInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	tickID := uuid.NewString()
	logger := s.logger.With(slog.String("tick_id", tickID))

	ctx, span := telemetry.StartSpan(ctx, "relay.tick", attribute.String("tick_id", tickID))
	defer span.End()

	stats, err := s.tick(ctx, logger)
	duration := time.Since(start)

	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordTick(metrics.TickResultError, duration)
		return fmt.Errorf("tick %s: %w", tickID, err)
	}
	s.metrics.RecordTick(metrics.TickResultOK, duration)

	logger.Info("配信サイクルが完了しました",
		slog.Int("destination_count", stats.Destinations),
		slog.Int("unresolved_count", stats.Unresolved),
		slog.Int("fetched_count", stats.Fetched),
		slog.Int("duplicate_count", stats.Duplicates),
		slog.Int("sent_count", stats.Sent),
		slog.Int("rejected_count", stats.Rejected),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (s *Scheduler) tick(ctx context.Context, logger *slog.Logger) (TickStats, error) {
	subs, err := s.subs.List(ctx, "")
	if err != nil {
		return TickStats{}, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	s.metrics.SetSubscriptions(len(subs))

	dests := groupByDestination(subs)
	if len(dests) == 0 {
		logger.Debug("配信対象の購読はありません")
		return TickStats{}, nil
	}

	logger.Info("配信サイクルを開始します",
		slog.Int("subscription_count", len(subs)),
		slog.Int("destination_count", len(dests)),
	)

	results := make([]TickStats, len(dests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i, dest := range dests {
		g.Go(func() error {
			stats, err := s.relayDestination(gctx, logger, dest)
			results[i] = stats
			return err
		})
	}
	err = g.Wait()

	total := TickStats{Destinations: len(dests)}
	for _, r := range results {
		total.Unresolved += r.Unresolved
		total.Fetched += r.Fetched
		total.Duplicates += r.Duplicates
		total.Sent += r.Sent
		total.Rejected += r.Rejected
	}
	return total, err
}

// relayDestination は1つの配信先について、アカウントごとに新着投稿を配信する。
func (s *Scheduler) relayDestination(ctx context.Context, logger *slog.Logger, dest destination) (TickStats, error) {
	var stats TickStats
	logger = logger.With(
		slog.String("server_id", dest.ServerID),
		slog.String("channel_id", dest.ChannelID),
	)

	ctx, span := telemetry.StartSpan(ctx, "relay.destination",
		attribute.String("server_id", dest.ServerID),
		attribute.String("channel_id", dest.ChannelID),
		attribute.Int("handle_count", len(dest.handles)),
	)
	defer span.End()

	if err := s.channels.ResolveChannel(ctx, dest.ChannelID); err != nil {
		stats.Unresolved++
		s.metrics.RecordUnresolvedChannel()
		logger.Warn("配信先チャンネルを解決できないためスキップします",
			slog.String("error", err.Error()),
		)
		return stats, nil
	}

	for _, handle := range dest.handles {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		items := s.source.FetchRecentItems(ctx, handle, s.itemLimit)
		stats.Fetched += len(items)

		for _, item := range items {
			if err := s.relayItem(ctx, logger, dest.ChannelID, handle, item, &stats); err != nil {
				telemetry.RecordError(span, err)
				return stats, err
			}
		}
	}

	return stats, nil
}

// relayItem は1件の投稿を重複確認のうえ配信する。
// 配信済みの記録に成功した呼び出しだけが配信するため、並行する配信先の間でも二重配信しない。
func (s *Scheduler) relayItem(ctx context.Context, logger *slog.Logger, channelID, handle string, item model.ContentItem, stats *TickStats) error {
	delivered, err := s.cache.IsDelivered(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("配信済みキャッシュの確認に失敗しました: %w", err)
	}
	if delivered {
		stats.Duplicates++
		s.metrics.RecordDuplicateSkipped()
		return nil
	}

	fresh, err := s.cache.MarkDelivered(ctx, item.ID, handle)
	if err != nil {
		return fmt.Errorf("配信済みキャッシュへの記録に失敗しました: %w", err)
	}
	if !fresh {
		stats.Duplicates++
		s.metrics.RecordDuplicateSkipped()
		return nil
	}

	result := s.sink.Send(ctx, channelID, item)
	s.metrics.RecordDelivery(result.Status.String())
	if result.Status == model.DeliveryRejected {
		stats.Rejected++
		logger.Warn("投稿の配信が拒否されました",
			slog.String("handle", handle),
			slog.String("item_id", item.ID),
			slog.String("reason", result.Reason),
		)
	} else {
		stats.Sent++
		logger.Info("投稿を配信しました",
			slog.String("handle", handle),
			slog.String("item_id", item.ID),
		)
	}

	return s.pause(ctx)
}

// pause は配信間の待機を行う。待機中にキャンセルされた場合はコンテキストのエラーを返す。
func (s *Scheduler) pause(ctx context.Context) error {
	if s.deliveryPause <= 0 {
		return nil
	}
	timer := time.NewTimer(s.deliveryPause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
