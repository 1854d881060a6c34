// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tweetsync/internal/model"
)

// SubscriptionRepository は購読（追跡アカウントと配信先の対応）の永続化インターフェース。
// (handle, server_id) の組につき購読は高々1件に保たれる。
type SubscriptionRepository interface {
	// Add は購読を登録する。
	// 未登録なら追加してAddOutcomeAdded、別チャンネルで登録済みならチャンネルを
	// 付け替えてAddOutcomeRetargeted、同一チャンネルで登録済みならAddOutcomeAlreadyTrackedを返す。
	// アカウントの実在確認は呼び出し側の責務。
	Add(ctx context.Context, handle, serverID, channelID string) (model.AddOutcome, error)

	// Remove は購読を削除する。削除した行があればtrueを返す。
	// 存在しない購読の削除はエラーではなくfalseを返す。
	Remove(ctx context.Context, handle, serverID string) (bool, error)

	// List は購読を登録順に返す。serverIDが空の場合は全サーバー分を返す。
	List(ctx context.Context, serverID string) ([]*model.Subscription, error)
}

// DeliveryCacheRepository は配信済み投稿IDの永続化インターフェース。
type DeliveryCacheRepository interface {
	// IsDelivered は投稿IDが配信済みとして記録されているかを返す。
	IsDelivered(ctx context.Context, itemID string) (bool, error)

	// MarkDelivered は投稿IDを配信済みとして記録する。
	// 新規に記録した呼び出しだけがtrueを受け取り、既に記録済みならfalseを返す。
	// 並行して同じIDを記録しようとしてもtrueを受け取るのは1回だけ。
	MarkDelivered(ctx context.Context, itemID, handle string) (bool, error)

	// DeleteOlderThan はcutoffより前に記録されたエントリを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
