// Package discord はDiscordへの配信とコマンド処理を提供する。
//
// Botはゲートウェイ接続のライフサイクルを管理し、配信先チャンネルの解決と
// 投稿の埋め込み配信を行う。CommandHandlerはチャットのプレフィックスコマンドを
// 購読サービスに橋渡しする。
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/tweetsync/internal/model"
)

// commandTimeout は1件のコマンド処理に許す時間。
const commandTimeout = 30 * time.Second

// Bot はDiscordゲートウェイに接続し、投稿を配信する。
type Bot struct {
	gateway  *discordgo.Session
	session  Session
	logger   *slog.Logger
	commands *CommandHandler

	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool
}

// New はボットトークンからBotを生成する。接続はOpenで行う。
func New(token string, logger *slog.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("Discordセッションの作成に失敗しました: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	b := newBot(&gatewaySession{s: s}, logger)
	b.gateway = s

	s.AddHandler(b.onReady)
	s.AddHandler(b.onResumed)
	s.AddHandler(b.onDisconnect)
	s.AddHandler(b.onMessageCreate)
	return b, nil
}

func newBot(session Session, logger *slog.Logger) *Bot {
	return &Bot{
		session: session,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Session はREST操作用のセッションを返す。
func (b *Bot) Session() Session {
	return b.session
}

// SetCommandHandler はメッセージ受信時に呼び出すコマンドハンドラを設定する。Open前に呼ぶこと。
func (b *Bot) SetCommandHandler(h *CommandHandler) {
	b.commands = h
}

// Open はゲートウェイに接続する。
func (b *Bot) Open() error {
	if err := b.gateway.Open(); err != nil {
		return fmt.Errorf("Discordゲートウェイへの接続に失敗しました: %w", err)
	}
	return nil
}

// Close はゲートウェイ接続を閉じる。
func (b *Bot) Close() error {
	b.connected.Store(false)
	return b.gateway.Close()
}

// Ready は最初のREADYイベント受信時に閉じられるチャネルを返す。
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

// IsReady はゲートウェイに接続済みかどうかを返す。
func (b *Bot) IsReady() bool {
	return b.connected.Load()
}

func (b *Bot) markReady() {
	b.connected.Store(true)
	b.readyOnce.Do(func() { close(b.ready) })
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	attrs := []any{slog.Int("guild_count", len(r.Guilds))}
	if r.User != nil {
		attrs = append(attrs, slog.String("bot_user", r.User.Username), slog.String("bot_id", r.User.ID))
	}
	b.logger.Info("Discordゲートウェイに接続しました", attrs...)

	if err := s.UpdateWatchStatus(0, "Twitter"); err != nil {
		b.logger.Warn("ステータスの設定に失敗しました", slog.String("error", err.Error()))
	}
	b.markReady()
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.logger.Info("Discordゲートウェイへの接続を再開しました")
	b.connected.Store(true)
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.logger.Warn("Discordゲートウェイから切断されました")
	b.connected.Store(false)
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if b.commands == nil || m.Author == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	b.commands.Handle(ctx, IncomingMessage{
		AuthorID:  m.Author.ID,
		IsBot:     m.Author.Bot,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	})
}

// ResolveChannel は配信先チャンネルが存在し参照できるかを確認する。
func (b *Bot) ResolveChannel(ctx context.Context, channelID string) error {
	ch, err := b.session.Channel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrChannelUnavailable, channelID, err)
	}
	if ch == nil {
		return fmt.Errorf("%w: %s", model.ErrChannelUnavailable, channelID)
	}
	return nil
}

// Send は投稿を埋め込みとしてチャンネルに送信する。
// 送信に失敗した場合はRejectedを返し、エラーにはしない。
func (b *Bot) Send(ctx context.Context, channelID string, item model.ContentItem) model.DeliveryResult {
	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{ItemEmbed(item)}}
	if err := b.session.SendMessage(ctx, channelID, msg); err != nil {
		return model.Rejected(rejectReason(err))
	}
	return model.Sent()
}

// rejectReason はDiscord APIのエラーから拒否理由を取り出す。
func rejectReason(err error) string {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Message != "" {
		return fmt.Sprintf("%s (code %d)", restErr.Message.Message, restErr.Message.Code)
	}
	return err.Error()
}
