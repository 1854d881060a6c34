package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/tweetsync/internal/database"
)

// SQLDeliveryCacheRepo はPostgreSQL/SQLiteを使用した配信済みキャッシュ。
type SQLDeliveryCacheRepo struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLDeliveryCacheRepo はSQLDeliveryCacheRepoを生成する。
func NewSQLDeliveryCacheRepo(db *sql.DB, dialect database.Dialect) *SQLDeliveryCacheRepo {
	return &SQLDeliveryCacheRepo{db: db, dialect: dialect, now: time.Now}
}

// IsDelivered は投稿IDが記録済みかを返す。
func (r *SQLDeliveryCacheRepo) IsDelivered(ctx context.Context, itemID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, database.Rebind(r.dialect,
		`SELECT COUNT(*) FROM cached_items WHERE item_id = ?`),
		itemID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("配信済みキャッシュの確認に失敗しました: %w", err)
	}
	return count > 0, nil
}

// MarkDelivered は投稿IDを記録する。主キーへの条件付きINSERTなので、
// 同じIDに対してtrueを返すのは最初に挿入できた呼び出しだけになる。
func (r *SQLDeliveryCacheRepo) MarkDelivered(ctx context.Context, itemID, handle string) (bool, error) {
	res, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`INSERT INTO cached_items (item_id, handle, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (item_id) DO NOTHING`),
		itemID, handle, r.now().UTC().Truncate(time.Second),
	)
	if err != nil {
		return false, fmt.Errorf("配信済みキャッシュへの記録に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("配信済みキャッシュの記録結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// DeleteOlderThan はcutoffより前に記録されたエントリを削除する。
func (r *SQLDeliveryCacheRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`DELETE FROM cached_items WHERE created_at < ?`),
		cutoff.UTC().Truncate(time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("古い配信済みキャッシュの削除に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ DeliveryCacheRepository = (*SQLDeliveryCacheRepo)(nil)
