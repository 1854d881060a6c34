// Package cleanup は配信済みキャッシュの自動削除ジョブを提供する。
// 保持期間を超過したキャッシュエントリをcron式のスケジュールで削除する。
// 保持日数が0の場合は削除しない（キャッシュは無期限に保持される）。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule はクリーンアップの既定スケジュール。
const DefaultSchedule = "@daily"

// Pruner は指定時刻より古いキャッシュエントリを削除する。
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricsRecorder は削除件数を記録する。
type MetricsRecorder interface {
	RecordCacheCleanup(deleted int64)
}

// CleanupJob は保持期間を超過した配信済みキャッシュの自動削除ジョブ。
// 削除は冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	pruner        Pruner
	metrics       MetricsRecorder
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // キャッシュの保持日数（0は無期限）
}

// NewCleanupJob は新しいCleanupJobを生成する。metricsはnilでもよい。
func NewCleanupJob(pruner Pruner, retentionDays int, metrics MetricsRecorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		pruner:        pruner,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Enabled は削除が有効かどうかを返す。
func (j *CleanupJob) Enabled() bool {
	return j.RetentionDays > 0
}

// Run は保持期間を超過したキャッシュエントリを削除する。
// created_atがRetentionDays日前より古いエントリが対象となる。
func (j *CleanupJob) Run(ctx context.Context) error {
	if !j.Enabled() {
		j.logger.Debug("キャッシュの保持期間が無期限のためクリーンアップをスキップします")
		return nil
	}

	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("キャッシュクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("キャッシュクリーンアップの実行に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordCacheCleanup(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("キャッシュクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start はscheduleに従ってRunを定期実行し、コンテキストがキャンセルされるまでブロックする。
// 起動直後に1回実行する。保持期間が無期限の場合は何もせずに戻る。
func (j *CleanupJob) Start(ctx context.Context, schedule string) error {
	if !j.Enabled() {
		j.logger.Info("キャッシュの保持期間が無期限のためクリーンアップジョブを起動しません")
		return nil
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { j.runLogged(ctx) }); err != nil {
		return fmt.Errorf("クリーンアップのスケジュールが不正です: %w", err)
	}

	j.logger.Info("キャッシュクリーンアップジョブを開始しました",
		slog.String("schedule", schedule),
		slog.Int("retention_days", j.RetentionDays),
	)

	j.runLogged(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("キャッシュクリーンアップジョブを停止しました")
	return nil
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// Runがエラーをログに記録するため、ここでは破棄する
	_ = j.Run(ctx)
}

// ValidateSchedule はcron式を検証する。
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}
