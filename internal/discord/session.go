package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// Session はBotとコマンド層が使うDiscord REST操作。
// 本番では*discordgo.SessionをラップしたgatewaySessionを使う。
type Session interface {
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	SendMessage(ctx context.Context, channelID string, msg *discordgo.MessageSend) error
	UserChannelPermissions(ctx context.Context, userID, channelID string) (int64, error)
}

// gatewaySession は*discordgo.SessionをSessionとして扱うアダプタ。
type gatewaySession struct {
	s *discordgo.Session
}

var _ Session = (*gatewaySession)(nil)

// Channel はステートキャッシュを優先し、なければREST APIでチャンネルを取得する。
func (g *gatewaySession) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if g.s.State != nil {
		if ch, err := g.s.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return g.s.Channel(channelID, discordgo.WithContext(ctx))
}

func (g *gatewaySession) SendMessage(ctx context.Context, channelID string, msg *discordgo.MessageSend) error {
	_, err := g.s.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	return err
}

func (g *gatewaySession) UserChannelPermissions(ctx context.Context, userID, channelID string) (int64, error) {
	return g.s.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
}
