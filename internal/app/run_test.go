package app

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// TestRun_MigrateCommand_CreatesTables はmigrateコマンドがSQLiteにテーブルを作成することを検証する。
func TestRun_MigrateCommand_CreatesTables(t *testing.T) {
	setTestEnv(t)
	path := filepath.Join(t.TempDir(), "tweetsync.db")
	t.Setenv("DATABASE_URL", "sqlite://"+path)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) error = %v\nlog: %s", err, buf.String())
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"tracked_accounts", "cached_items"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	// 2回目は適用済みのため何もせず成功する
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("second Run(migrate) error = %v", err)
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("TWITTER_BEARER_TOKEN", "")
	t.Setenv("CONFIG_FILE", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"bot"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

// TestRunBot_CancelledContext_FailsBeforeGateway はキャンセル済みのコンテキストでは
// DB接続確認の段階で失敗し、Discordへ接続しないことを検証する。
func TestRunBot_CancelledContext_FailsBeforeGateway(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "tweetsync.db"))

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runBot(ctx, cfg); err == nil {
		t.Fatal("runBot with cancelled context should return error")
	}
}
