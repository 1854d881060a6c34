package discord

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

type sentMessage struct {
	channelID string
	msg       *discordgo.MessageSend
}

// fakeSession はSessionのテスト用実装。未設定の関数は成功として扱う。
type fakeSession struct {
	mu   sync.Mutex
	sent []sentMessage

	channelFunc     func(ctx context.Context, channelID string) (*discordgo.Channel, error)
	sendFunc        func(ctx context.Context, channelID string, msg *discordgo.MessageSend) error
	permissionsFunc func(ctx context.Context, userID, channelID string) (int64, error)
}

func (f *fakeSession) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if f.channelFunc != nil {
		return f.channelFunc(ctx, channelID)
	}
	return &discordgo.Channel{ID: channelID, Name: "general"}, nil
}

func (f *fakeSession) SendMessage(ctx context.Context, channelID string, msg *discordgo.MessageSend) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{channelID: channelID, msg: msg})
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(ctx, channelID, msg)
	}
	return nil
}

func (f *fakeSession) UserChannelPermissions(ctx context.Context, userID, channelID string) (int64, error) {
	if f.permissionsFunc != nil {
		return f.permissionsFunc(ctx, userID, channelID)
	}
	return discordgo.PermissionManageChannels, nil
}

func (f *fakeSession) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
