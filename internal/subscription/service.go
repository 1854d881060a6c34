// Package subscription はアカウント追跡（購読）のドメインロジックを提供する。
// チャットのコマンド層から呼ばれ、ハンドルの正規化、提供元での実在確認、
// 購読ストアへの登録・削除・一覧を行う。権限チェックはコマンド層の責務。
package subscription

import (
	"context"
	"log/slog"

	"github.com/hitoshi/tweetsync/internal/model"
	"github.com/hitoshi/tweetsync/internal/repository"
)

// AccountResolver はアカウントの実在確認を行う。
type AccountResolver interface {
	ResolveAccount(ctx context.Context, handle string) model.Resolution
}

// Service は購読管理のサービス層。
type Service struct {
	repo     repository.SubscriptionRepository
	resolver AccountResolver
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.SubscriptionRepository, resolver AccountResolver, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		logger:   logger,
	}
}

// Track はアカウントをサーバーのチャンネルに配信するよう登録する。
// アカウントが存在しない場合はエラーではなくOutcomeがAddOutcomeNotFoundの結果を返す。
// 提供元に一時的に到達できない場合はSOURCE_UNAVAILABLE、
// ストア障害の場合はSTORE_UNAVAILABLEの*model.AppErrorを返す。
func (s *Service) Track(ctx context.Context, rawHandle, serverID, channelID string) (*model.TrackResult, error) {
	handle, err := model.NormalizeHandle(rawHandle)
	if err != nil {
		return nil, model.NewInvalidHandleError(rawHandle)
	}

	res := s.resolver.ResolveAccount(ctx, handle)
	switch res.Status {
	case model.ResolveNotFound:
		s.logger.Info("追跡対象のアカウントが存在しません",
			slog.String("handle", handle),
			slog.String("server_id", serverID),
		)
		return &model.TrackResult{Outcome: model.AddOutcomeNotFound, Handle: handle}, nil
	case model.ResolveTransient:
		s.logger.Warn("アカウントの存在確認に失敗しました",
			slog.String("handle", handle),
			slog.String("error", errString(res.Err)),
		)
		return nil, model.NewSourceUnavailableError(res.Err)
	}

	outcome, err := s.repo.Add(ctx, handle, serverID, channelID)
	if err != nil {
		s.logger.Error("購読の登録に失敗しました",
			slog.String("handle", handle),
			slog.String("server_id", serverID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewStoreUnavailableError(err)
	}

	s.logger.Info("購読を登録しました",
		slog.String("handle", handle),
		slog.String("server_id", serverID),
		slog.String("channel_id", channelID),
		slog.String("outcome", outcome.String()),
	)

	return &model.TrackResult{Outcome: outcome, Handle: handle, Account: res.Account}, nil
}

// Untrack はサーバーでのアカウント追跡を解除する。
// 追跡していなかった場合はエラーではなくfalseを返す。
func (s *Service) Untrack(ctx context.Context, rawHandle, serverID string) (bool, error) {
	handle, err := model.NormalizeHandle(rawHandle)
	if err != nil {
		return false, model.NewInvalidHandleError(rawHandle)
	}

	removed, err := s.repo.Remove(ctx, handle, serverID)
	if err != nil {
		s.logger.Error("購読の削除に失敗しました",
			slog.String("handle", handle),
			slog.String("server_id", serverID),
			slog.String("error", err.Error()),
		)
		return false, model.NewStoreUnavailableError(err)
	}

	if removed {
		s.logger.Info("購読を解除しました",
			slog.String("handle", handle),
			slog.String("server_id", serverID),
		)
	}
	return removed, nil
}

// List はサーバーの購読を登録順に返す。
func (s *Service) List(ctx context.Context, serverID string) ([]*model.Subscription, error) {
	subs, err := s.repo.List(ctx, serverID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	return subs, nil
}

// ChannelGroup はチャンネルごとにまとめた追跡アカウント。
type ChannelGroup struct {
	ChannelID string
	Handles   []string
}

// GroupByChannel は購読をチャンネル単位にまとめる。
// チャンネルの順序は各チャンネルが最初に現れた順。
func GroupByChannel(subs []*model.Subscription) []ChannelGroup {
	index := make(map[string]int)
	var groups []ChannelGroup
	for _, sub := range subs {
		i, ok := index[sub.ChannelID]
		if !ok {
			i = len(groups)
			index[sub.ChannelID] = i
			groups = append(groups, ChannelGroup{ChannelID: sub.ChannelID})
		}
		groups[i].Handles = append(groups[i].Handles, sub.Handle)
	}
	return groups
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
