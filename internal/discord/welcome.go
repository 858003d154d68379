package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"voicekeeper/pkg/utils"
)

// guildMemberAdd greets new members in the welcome channel
func (b *Bot) guildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	channelID := b.settings.Get(m.GuildID).WelcomeChannelID
	if channelID == "" {
		return
	}

	guildName := ""
	if g, err := s.State.Guild(m.GuildID); err == nil {
		guildName = g.Name
	}

	b.replyEmbed(s, channelID, welcomeEmbed(m.User.ID, guildName, m.User.AvatarURL("")))
	b.log.Debug("Welcomed member", zap.String("guild_id", m.GuildID), zap.String("user_id", m.User.ID))
}

func welcomeEmbed(userID, guildName, avatarURL string) *discordgo.MessageEmbed {
	desc := fmt.Sprintf("Welcome %s!", utils.FormatUserMention(userID))
	if guildName != "" {
		desc = fmt.Sprintf("Welcome to **%s**, %s!", guildName, utils.FormatUserMention(userID))
	}
	embed := &discordgo.MessageEmbed{
		Title:       "👋 New member",
		Description: desc,
		Color:       colorGreen,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if avatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: avatarURL}
	}
	return embed
}

// guildMemberRemove posts a departure notice to the mod-log channel
func (b *Bot) guildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	channelID := b.settings.Get(m.GuildID).ModLogChannelID
	if channelID == "" {
		return
	}
	b.replyEmbed(s, channelID, departureEmbed(m.User.ID, m.User.Username))
}

func departureEmbed(userID, username string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "📤 Member left",
		Description: fmt.Sprintf("%s (%s) left the server.", utils.FormatUserMention(userID), username),
		Color:       colorRed,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}
