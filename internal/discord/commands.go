package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/hitoshi/tweetsync/internal/model"
	"github.com/hitoshi/tweetsync/internal/subscription"
)

// DefaultPrefix はコマンドの既定プレフィックス。
const DefaultPrefix = "!"

// managePermissions は追跡の追加・解除に必要な権限。いずれかを持っていればよい。
const managePermissions = discordgo.PermissionAdministrator | discordgo.PermissionManageChannels

// IncomingMessage はコマンド処理に必要な受信メッセージの情報。
type IncomingMessage struct {
	AuthorID  string
	IsBot     bool
	GuildID   string
	ChannelID string
	Content   string
}

// SubscriptionService は購読管理の操作。
type SubscriptionService interface {
	Track(ctx context.Context, rawHandle, serverID, channelID string) (*model.TrackResult, error)
	Untrack(ctx context.Context, rawHandle, serverID string) (bool, error)
	List(ctx context.Context, serverID string) ([]*model.Subscription, error)
}

// PreviewSource は追跡開始時のプレビュー用に最新投稿を返す。
type PreviewSource interface {
	FetchRecentItems(ctx context.Context, handle string, limit int) []model.ContentItem
}

// CommandHandler はプレフィックスコマンドを解釈して応答する。
type CommandHandler struct {
	session Session
	service SubscriptionService
	preview PreviewSource
	prefix  string
	logger  *slog.Logger
}

// NewCommandHandler はCommandHandlerを生成する。prefixが空ならDefaultPrefixを使う。
func NewCommandHandler(session Session, service SubscriptionService, preview PreviewSource, prefix string, logger *slog.Logger) *CommandHandler {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &CommandHandler{
		session: session,
		service: service,
		preview: preview,
		prefix:  prefix,
		logger:  logger,
	}
}

// Handle は1件のメッセージを処理する。コマンドでないメッセージは無視する。
func (h *CommandHandler) Handle(ctx context.Context, msg IncomingMessage) {
	if msg.IsBot || !strings.HasPrefix(msg.Content, h.prefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(msg.Content, h.prefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	var arg string
	if len(fields) > 1 {
		arg = fields[1]
	}

	logger := h.logger.With(
		slog.String("command", name),
		slog.String("server_id", msg.GuildID),
		slog.String("channel_id", msg.ChannelID),
		slog.String("user_id", msg.AuthorID),
	)

	switch name {
	case "ping":
		h.replyText(ctx, logger, msg.ChannelID, "Pong!")
		return
	case "tweetsync_help":
		h.reply(ctx, logger, msg.ChannelID, "", helpEmbed(h.prefix))
		return
	case "track", "untrack", "list":
	default:
		return
	}

	if msg.GuildID == "" {
		h.replyText(ctx, logger, msg.ChannelID, "このコマンドはサーバー内のチャンネルで使用してください。")
		return
	}

	switch name {
	case "track":
		h.track(ctx, logger, msg, arg)
	case "untrack":
		h.untrack(ctx, logger, msg, arg)
	case "list":
		h.list(ctx, logger, msg)
	}
}

func (h *CommandHandler) track(ctx context.Context, logger *slog.Logger, msg IncomingMessage, arg string) {
	if !h.authorize(ctx, logger, msg) {
		return
	}
	if arg == "" {
		h.replyText(ctx, logger, msg.ChannelID, "追跡するTwitterアカウント名を指定してください。例: "+h.prefix+"track jack")
		return
	}

	res, err := h.service.Track(ctx, arg, msg.GuildID, msg.ChannelID)
	if err != nil {
		h.replyError(ctx, logger, msg.ChannelID, err)
		return
	}

	switch res.Outcome {
	case model.AddOutcomeNotFound:
		h.replyText(ctx, logger, msg.ChannelID, fmt.Sprintf("Twitterアカウント @%s が見つかりませんでした。", res.Handle))
		return
	case model.AddOutcomeAlreadyTracked:
		h.replyText(ctx, logger, msg.ChannelID, fmt.Sprintf("@%s はこのチャンネルで既に追跡しています。", res.Handle))
		return
	case model.AddOutcomeRetargeted:
		h.reply(ctx, logger, msg.ChannelID, "", noticeEmbed(
			"Twitterアカウントの配信先を変更しました",
			fmt.Sprintf("@%s の投稿は今後このチャンネルに配信されます。", res.Handle),
			ColorGreen,
		))
	default:
		h.reply(ctx, logger, msg.ChannelID, "", noticeEmbed(
			"Twitterアカウントの追跡を開始しました",
			fmt.Sprintf("@%s の投稿をこのチャンネルに配信します。", res.Handle),
			ColorGreen,
		))
	}

	h.sendPreview(ctx, logger, msg.ChannelID, res.Handle)
}

// sendPreview は最新の投稿を1件表示する。プレビューは配信済みキャッシュに記録しない。
func (h *CommandHandler) sendPreview(ctx context.Context, logger *slog.Logger, channelID, handle string) {
	if h.preview == nil {
		return
	}
	items := h.preview.FetchRecentItems(ctx, handle, 1)
	if len(items) == 0 {
		return
	}
	err := h.session.SendMessage(ctx, channelID, &discordgo.MessageSend{
		Content: "このアカウントの最新の投稿です:",
		Embeds:  []*discordgo.MessageEmbed{ItemEmbed(items[0])},
	})
	if err != nil {
		logger.Error("プレビューの送信に失敗しました",
			slog.String("handle", handle),
			slog.String("error", rejectReason(err)),
		)
		h.replyText(ctx, logger, channelID, "最新の投稿を表示できませんでした。")
	}
}

func (h *CommandHandler) untrack(ctx context.Context, logger *slog.Logger, msg IncomingMessage, arg string) {
	if !h.authorize(ctx, logger, msg) {
		return
	}
	if arg == "" {
		h.replyText(ctx, logger, msg.ChannelID, "追跡を解除するTwitterアカウント名を指定してください。例: "+h.prefix+"untrack jack")
		return
	}

	removed, err := h.service.Untrack(ctx, arg, msg.GuildID)
	if err != nil {
		h.replyError(ctx, logger, msg.ChannelID, err)
		return
	}

	handle, _ := model.NormalizeHandle(arg)
	if !removed {
		h.replyText(ctx, logger, msg.ChannelID, fmt.Sprintf("@%s はこのサーバーで追跡されていません。", handle))
		return
	}
	h.reply(ctx, logger, msg.ChannelID, "", noticeEmbed(
		"Twitterアカウントの追跡を解除しました",
		fmt.Sprintf("@%s の投稿はこのサーバーに配信されなくなります。", handle),
		ColorRed,
	))
}

func (h *CommandHandler) list(ctx context.Context, logger *slog.Logger, msg IncomingMessage) {
	subs, err := h.service.List(ctx, msg.GuildID)
	if err != nil {
		h.replyError(ctx, logger, msg.ChannelID, err)
		return
	}
	if len(subs) == 0 {
		h.replyText(ctx, logger, msg.ChannelID, "このサーバーで追跡しているTwitterアカウントはありません。")
		return
	}

	embed := noticeEmbed("追跡中のTwitterアカウント", fmt.Sprintf("%d件のアカウントを追跡しています。", len(subs)), ColorBlue)
	groups := subscription.GroupByChannel(subs)
	for i, g := range groups {
		if i == maxFields {
			embed.Footer = &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf("ほか%dチャンネルは省略しました", len(groups)-maxFields),
			}
			break
		}
		handles := make([]string, len(g.Handles))
		for j, handle := range g.Handles {
			handles[j] = "@" + handle
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  h.channelLabel(ctx, g.ChannelID),
			Value: fieldValue(strings.Join(handles, "\n")),
		})
	}
	h.reply(ctx, logger, msg.ChannelID, "", embed)
}

// channelLabel はチャンネル名を表示用に返す。解決できなければIDを使う。
func (h *CommandHandler) channelLabel(ctx context.Context, channelID string) string {
	ch, err := h.session.Channel(ctx, channelID)
	if err != nil || ch == nil || ch.Name == "" {
		return "チャンネル " + channelID
	}
	return "#" + ch.Name
}

// authorize は送信者が管理者またはチャンネル管理権限を持つか確認し、なければ応答する。
func (h *CommandHandler) authorize(ctx context.Context, logger *slog.Logger, msg IncomingMessage) bool {
	perms, err := h.session.UserChannelPermissions(ctx, msg.AuthorID, msg.ChannelID)
	if err != nil {
		logger.Warn("権限の確認に失敗しました", slog.String("error", err.Error()))
		h.replyText(ctx, logger, msg.ChannelID, "権限を確認できませんでした。しばらく待ってから再度お試しください。")
		return false
	}
	if perms&managePermissions == 0 {
		h.replyText(ctx, logger, msg.ChannelID, "このコマンドを使うには「チャンネルの管理」権限が必要です。")
		return false
	}
	return true
}

// replyError はサービス層のエラーを利用者向けのメッセージに変換して応答する。
func (h *CommandHandler) replyError(ctx context.Context, logger *slog.Logger, channelID string, err error) {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		logger.Warn("コマンドの実行に失敗しました",
			slog.String("code", appErr.Code),
			slog.String("error", err.Error()),
		)
		h.replyText(ctx, logger, channelID, appErr.Message+"\n"+appErr.Action)
		return
	}
	logger.Error("コマンドの実行中に予期しないエラーが発生しました", slog.String("error", err.Error()))
	h.replyText(ctx, logger, channelID, "コマンドの実行中にエラーが発生しました。")
}

func (h *CommandHandler) replyText(ctx context.Context, logger *slog.Logger, channelID, content string) {
	h.reply(ctx, logger, channelID, content, nil)
}

func (h *CommandHandler) reply(ctx context.Context, logger *slog.Logger, channelID, content string, embed *discordgo.MessageEmbed) {
	msg := &discordgo.MessageSend{Content: content}
	if embed != nil {
		msg.Embeds = []*discordgo.MessageEmbed{embed}
	}
	if err := h.session.SendMessage(ctx, channelID, msg); err != nil {
		logger.Error("応答の送信に失敗しました", slog.String("error", rejectReason(err)))
	}
}

func helpEmbed(prefix string) *discordgo.MessageEmbed {
	embed := noticeEmbed("TweetSync ヘルプ", "Twitterアカウントの追跡を管理するコマンド", ColorBlue)
	embed.Fields = []*discordgo.MessageEmbedField{
		{Name: prefix + "track <username>", Value: "このチャンネルでTwitterアカウントの追跡を開始します"},
		{Name: prefix + "untrack <username>", Value: "このサーバーでのTwitterアカウントの追跡を解除します"},
		{Name: prefix + "list", Value: "このサーバーで追跡しているアカウントを表示します"},
		{Name: prefix + "ping", Value: "ボットが動作しているか確認します"},
		{Name: prefix + "tweetsync_help", Value: "このヘルプを表示します"},
	}
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: "追跡の開始と解除には「チャンネルの管理」権限が必要です",
	}
	return embed
}
