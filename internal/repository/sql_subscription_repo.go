package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tweetsync/internal/database"
	"github.com/hitoshi/tweetsync/internal/model"
)

// maxAddAttempts はAdd中に対象行が並行削除された場合の再試行回数。
const maxAddAttempts = 3

// SQLSubscriptionRepo はPostgreSQL/SQLiteを使用した購読リポジトリ。
type SQLSubscriptionRepo struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLSubscriptionRepo はSQLSubscriptionRepoを生成する。
func NewSQLSubscriptionRepo(db *sql.DB, dialect database.Dialect) *SQLSubscriptionRepo {
	return &SQLSubscriptionRepo{db: db, dialect: dialect, now: time.Now}
}

// Add は購読を登録する。
// 一意制約 (handle, server_id) に対する条件付きINSERTと条件付きUPDATEで結果を判定するため、
// 同じ組に対する並行呼び出しでも行が重複することはない。
func (r *SQLSubscriptionRepo) Add(ctx context.Context, handle, serverID, channelID string) (model.AddOutcome, error) {
	now := r.now().UTC().Truncate(time.Second)

	for attempt := 0; attempt < maxAddAttempts; attempt++ {
		res, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
			`INSERT INTO tracked_accounts (handle, server_id, channel_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (handle, server_id) DO NOTHING`),
			handle, serverID, channelID, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("購読の登録に失敗しました: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, fmt.Errorf("購読の登録結果の取得に失敗しました: %w", err)
		} else if n == 1 {
			return model.AddOutcomeAdded, nil
		}

		res, err = r.db.ExecContext(ctx, database.Rebind(r.dialect,
			`UPDATE tracked_accounts SET channel_id = ?, updated_at = ?
			 WHERE handle = ? AND server_id = ? AND channel_id <> ?`),
			channelID, now, handle, serverID, channelID,
		)
		if err != nil {
			return 0, fmt.Errorf("購読の配信先変更に失敗しました: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, fmt.Errorf("購読の配信先変更結果の取得に失敗しました: %w", err)
		} else if n == 1 {
			return model.AddOutcomeRetargeted, nil
		}

		var one int
		err = r.db.QueryRowContext(ctx, database.Rebind(r.dialect,
			`SELECT 1 FROM tracked_accounts WHERE handle = ? AND server_id = ?`),
			handle, serverID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			// INSERTとUPDATEの間に削除された
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("購読の確認に失敗しました: %w", err)
		}
		return model.AddOutcomeAlreadyTracked, nil
	}

	return 0, fmt.Errorf("購読の登録が競合により完了しませんでした: handle=%s server_id=%s", handle, serverID)
}

// Remove は購読を削除する。削除した行があればtrueを返す。
func (r *SQLSubscriptionRepo) Remove(ctx context.Context, handle, serverID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, database.Rebind(r.dialect,
		`DELETE FROM tracked_accounts WHERE handle = ? AND server_id = ?`),
		handle, serverID,
	)
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("購読の削除結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// List は購読を登録順に返す。serverIDが空の場合は全件を返す。
func (r *SQLSubscriptionRepo) List(ctx context.Context, serverID string) ([]*model.Subscription, error) {
	query := `SELECT id, handle, server_id, channel_id, created_at, updated_at FROM tracked_accounts`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, database.Rebind(r.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub := &model.Subscription{}
		if err := rows.Scan(&sub.ID, &sub.Handle, &sub.ServerID, &sub.ChannelID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("購読データのスキャンに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}

	return subs, nil
}

// インターフェースを満たしていることをコンパイル時に検証する。
var _ SubscriptionRepository = (*SQLSubscriptionRepo)(nil)
