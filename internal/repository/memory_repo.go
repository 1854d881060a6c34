package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/tweetsync/internal/model"
)

// MemorySubscriptionRepo はプロセス内で購読を保持するリポジトリ。
// すべての変更は1つのmutexで直列化される。
type MemorySubscriptionRepo struct {
	mu     sync.Mutex
	rows   []*model.Subscription
	nextID int64
	now    func() time.Time
}

// NewMemorySubscriptionRepo はMemorySubscriptionRepoを生成する。
func NewMemorySubscriptionRepo() *MemorySubscriptionRepo {
	return &MemorySubscriptionRepo{now: time.Now}
}

// Add は購読を登録する。
func (r *MemorySubscriptionRepo) Add(_ context.Context, handle, serverID, channelID string) (model.AddOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, row := range r.rows {
		if row.Handle != handle || row.ServerID != serverID {
			continue
		}
		if row.ChannelID == channelID {
			return model.AddOutcomeAlreadyTracked, nil
		}
		row.ChannelID = channelID
		row.UpdatedAt = now
		return model.AddOutcomeRetargeted, nil
	}

	r.nextID++
	r.rows = append(r.rows, &model.Subscription{
		ID:        r.nextID,
		Handle:    handle,
		ServerID:  serverID,
		ChannelID: channelID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return model.AddOutcomeAdded, nil
}

// Remove は購読を削除する。
func (r *MemorySubscriptionRepo) Remove(_ context.Context, handle, serverID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, row := range r.rows {
		if row.Handle == handle && row.ServerID == serverID {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// List は購読のスナップショットを登録順に返す。
func (r *MemorySubscriptionRepo) List(_ context.Context, serverID string) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*model.Subscription
	for _, row := range r.rows {
		if serverID != "" && row.ServerID != serverID {
			continue
		}
		cp := *row
		subs = append(subs, &cp)
	}
	return subs, nil
}

var _ SubscriptionRepository = (*MemorySubscriptionRepo)(nil)

// MemoryDeliveryCacheRepo はプロセス内で配信済み投稿IDを保持するキャッシュ。
type MemoryDeliveryCacheRepo struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
	now     func() time.Time
}

// NewMemoryDeliveryCacheRepo はMemoryDeliveryCacheRepoを生成する。
func NewMemoryDeliveryCacheRepo() *MemoryDeliveryCacheRepo {
	return &MemoryDeliveryCacheRepo{entries: make(map[string]model.CacheEntry), now: time.Now}
}

// IsDelivered は投稿IDが記録済みかを返す。
func (r *MemoryDeliveryCacheRepo) IsDelivered(_ context.Context, itemID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[itemID]
	return ok, nil
}

// MarkDelivered は投稿IDを記録する。既に記録済みならfalseを返す。
func (r *MemoryDeliveryCacheRepo) MarkDelivered(_ context.Context, itemID, handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[itemID]; ok {
		return false, nil
	}
	r.entries[itemID] = model.CacheEntry{ItemID: itemID, Handle: handle, CreatedAt: r.now()}
	return true, nil
}

// DeleteOlderThan はcutoffより前のエントリを削除する。
func (r *MemoryDeliveryCacheRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, e := range r.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

// Entries は記録済みエントリのスナップショットを返す。
func (r *MemoryDeliveryCacheRepo) Entries() []model.CacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.CacheEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

var _ DeliveryCacheRepository = (*MemoryDeliveryCacheRepo)(nil)
