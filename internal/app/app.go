// Package app はコマンドライン引数に応じてtweetsyncの各モードを起動する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tweetsync/internal/config"
	"github.com/hitoshi/tweetsync/internal/database"
	"github.com/hitoshi/tweetsync/internal/discord"
	"github.com/hitoshi/tweetsync/internal/handler"
	"github.com/hitoshi/tweetsync/internal/logger"
	"github.com/hitoshi/tweetsync/internal/metrics"
	"github.com/hitoshi/tweetsync/internal/repository"
	"github.com/hitoshi/tweetsync/internal/security"
	"github.com/hitoshi/tweetsync/internal/source"
	"github.com/hitoshi/tweetsync/internal/subscription"
	"github.com/hitoshi/tweetsync/internal/telemetry"
	"github.com/hitoshi/tweetsync/internal/worker/cleanup"
	"github.com/hitoshi/tweetsync/internal/worker/relay"
)

// serviceName はトレースとログに記録するサービス名。
const serviceName = "tweetsync"

// version はビルド時に -ldflags "-X" で上書きされる。
var version = "dev"

// shutdownTimeout はHTTPサーバーとトレースエクスポーターの停止を待つ上限。
const shutdownTimeout = 15 * time.Second

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数（および任意の設定ファイル）からConfigを読み込み、
// 設定されたレベルと形式で構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envを読み込み、設定を組み立てる
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に合わせてロガーを再構成する
	logger.Configure(w, logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", version),
		slog.String("source_backend", cfg.SourceBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runBot(ctx, cfg)
	}
}

// runBot はボットモードで起動する。
// DB接続と依存関係のワイヤリングを行い、Discordゲートウェイ、配信スケジューラ、
// キャッシュクリーンアップ、運用HTTPサーバーを並行に動かす。
// ctxがキャンセルされるとすべてを停止して戻る。
func runBot(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. マイグレーション（任意）とDB接続
	if cfg.AutoMigrate {
		if err := runMigrate(cfg); err != nil {
			return err
		}
	}

	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established", slog.String("dialect", string(dialect)))

	// 2. トレーシング（エンドポイント未設定ならno-op）
	shutdownTracing, err := telemetry.Init(serviceName, version, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("トレースエクスポーターの停止に失敗しました", slog.String("error", err.Error()))
		}
	}()

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. リポジトリとコンテンツ提供元
	subRepo := repository.NewSQLSubscriptionRepo(db, dialect)
	cacheRepo := repository.NewSQLDeliveryCacheRepo(db, dialect)

	src, err := newSource(ctx, cfg, collector, log)
	if err != nil {
		return err
	}

	// 5. Discordボットとコマンド
	bot, err := discord.New(cfg.DiscordToken, log)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}

	subService := subscription.NewService(subRepo, src, log)
	bot.SetCommandHandler(discord.NewCommandHandler(bot.Session(), subService, src, cfg.CommandPrefix, log))

	// 6. 定期配信とキャッシュクリーンアップ
	scheduler := relay.NewScheduler(subRepo, cacheRepo, src, bot, bot, collector, log, relay.Options{
		ItemLimit:      cfg.PollItemLimit,
		DeliveryPause:  cfg.DeliveryPause,
		MaxConcurrency: cfg.PollMaxConcurrent,
	})
	cleanupJob := cleanup.NewCleanupJob(cacheRepo, cfg.CacheRetentionDays, collector, log)

	// 7. 運用HTTPサーバー
	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			DB:       db,
			Bot:      bot,
			Logger:   log,
			Gatherer: reg,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 8. ゲートウェイ接続
	if err := bot.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	defer func() {
		if err := bot.Close(); err != nil {
			log.Warn("Discordセッションの切断に失敗しました", slog.String("error", err.Error()))
		}
	}()

	log.Info("bot starting",
		slog.String("addr", server.Addr),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Int("item_limit", cfg.PollItemLimit),
		slog.Int("max_concurrent", cfg.PollMaxConcurrent),
		slog.Int("cache_retention_days", cfg.CacheRetentionDays),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		scheduler.Start(gctx, cfg.PollInterval, bot.Ready())
		return nil
	})

	g.Go(func() error {
		return cleanupJob.Start(gctx, cfg.CacheCleanupSchedule)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("bot stopped gracefully")
	return nil
}

// newSource は設定されたバックエンドのコンテンツ提供元クライアントを生成する。
func newSource(ctx context.Context, cfg *config.Config, m source.MetricsRecorder, log *slog.Logger) (source.Source, error) {
	switch cfg.SourceBackend {
	case config.BackendRSS:
		guard, err := bridgeGuard(cfg.RSSBridgeURL)
		if err != nil {
			return nil, err
		}
		return source.NewRSSClient(source.RSSConfig{
			BridgeURL:     cfg.RSSBridgeURL,
			Timeout:       cfg.ProviderTimeout,
			RatePerMinute: cfg.ProviderRatePerMinute,
			AllowPrivate:  cfg.RSSBridgeAllowPrivate,
		}, guard, m, log), nil
	default:
		return source.NewTwitterClient(ctx, source.TwitterConfig{
			BaseURL:       cfg.TwitterAPIBaseURL,
			BearerToken:   cfg.TwitterBearerToken,
			APIKey:        cfg.TwitterAPIKey,
			APISecret:     cfg.TwitterAPISecret,
			Timeout:       cfg.ProviderTimeout,
			RatePerMinute: cfg.ProviderRatePerMinute,
		}, m, log), nil
	}
}

// bridgeGuard はブリッジURLのポートも許可したSSRFGuardを返す。
// 80/443以外で待ち受けるセルフホストのブリッジに対応するため。
func bridgeGuard(bridgeURL string) (*security.SSRFGuard, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid RSS_BRIDGE_URL: %w", err)
	}
	ports := []int{80, 443}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid RSS_BRIDGE_URL port: %w", err)
		}
		ports = append(ports, n)
	}
	return security.NewSSRFGuard(ports...), nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := "http://" + net.JoinHostPort("localhost", port) + "/health"
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
