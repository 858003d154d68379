package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"voicekeeper/internal/models"
	"voicekeeper/internal/rooms"
	"voicekeeper/internal/settings"
	"voicekeeper/pkg/utils"
)

const (
	colorGold   = 0xFFD700
	colorOrange = 0xFFA500
	colorGreen  = 0x00FF00
	colorBlue   = 0x0099FF
	colorRed    = 0xFF0000
)

// ErrNoAnnounceChannel is returned when a guild has nowhere to post
var ErrNoAnnounceChannel = errors.New("no announcement channel")

// Actions performs platform side effects on behalf of the core packages
type Actions struct {
	session  *discordgo.Session
	settings *settings.Store
	roleName string
	log      *zap.Logger
}

// NewActions creates the platform action adapter
func NewActions(session *discordgo.Session, store *settings.Store, roleName string, log *zap.Logger) *Actions {
	if log == nil {
		log = zap.NewNop()
	}
	return &Actions{session: session, settings: store, roleName: roleName, log: log}
}

// MoveToChannel moves a member to another voice channel
func (a *Actions) MoveToChannel(ctx context.Context, guildID, userID, channelID string) error {
	if err := a.session.GuildMemberMove(guildID, userID, &channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to move member: %w", err)
	}
	return nil
}

// MoveMember is MoveToChannel under the room service name
func (a *Actions) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	return a.MoveToChannel(ctx, guildID, userID, channelID)
}

// VoiceChannel reports the member's cached voice channel
func (a *Actions) VoiceChannel(guildID, userID string) (string, bool) {
	vs, err := a.session.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// announceChannel picks the announce channel, then welcome, then the
// guild's system channel
func (a *Actions) announceChannel(guildID string) (string, error) {
	gs := a.settings.Get(guildID)
	if gs.AnnounceChannelID != "" {
		return gs.AnnounceChannelID, nil
	}
	if gs.WelcomeChannelID != "" {
		return gs.WelcomeChannelID, nil
	}
	if guild, err := a.session.State.Guild(guildID); err == nil && guild.SystemChannelID != "" {
		return guild.SystemChannelID, nil
	}
	return "", ErrNoAnnounceChannel
}

// AnnounceRelocation posts an AFK move notice
func (a *Actions) AnnounceRelocation(ctx context.Context, guildID, userID string, idle, deafened time.Duration) error {
	channelID, err := a.announceChannel(guildID)
	if err != nil {
		return err
	}
	_, err = a.session.ChannelMessageSendEmbed(channelID, relocationEmbed(userID, idle, deafened), discordgo.WithContext(ctx))
	return err
}

func relocationEmbed(userID string, idle, deafened time.Duration) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "💤 Moved to AFK",
		Description: fmt.Sprintf("%s was moved to the AFK channel.\nNo activity detected for %d minutes and deafened for %d minutes.",
			utils.FormatUserMention(userID), int(idle/time.Minute), int(deafened/time.Minute)),
		Color:     colorOrange,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// AwardChampion gives the weekly role to userID and removes it from every
// other holder. The role is created when missing.
func (a *Actions) AwardChampion(ctx context.Context, guildID, userID string) error {
	role, err := a.ensureRole(ctx, guildID)
	if err != nil {
		return err
	}

	for _, holder := range a.roleHolders(guildID, role.ID) {
		if holder == userID {
			continue
		}
		if err := a.session.GuildMemberRoleRemove(guildID, holder, role.ID, discordgo.WithContext(ctx)); err != nil {
			a.log.Warn("Failed to revoke weekly role",
				zap.String("guild_id", guildID),
				zap.String("user_id", holder),
				zap.Error(err))
		}
	}

	if err := a.session.GuildMemberRoleAdd(guildID, userID, role.ID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to grant weekly role: %w", err)
	}
	return nil
}

func (a *Actions) ensureRole(ctx context.Context, guildID string) (*discordgo.Role, error) {
	roles, err := a.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	for _, r := range roles {
		if r.Name == a.roleName {
			return r, nil
		}
	}

	color := colorGold
	hoist := true
	mentionable := true
	role, err := a.session.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        a.roleName,
		Color:       &color,
		Hoist:       &hoist,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create role %q: %w", a.roleName, err)
	}
	a.log.Info("Created weekly role", zap.String("guild_id", guildID), zap.String("role_id", role.ID))
	return role, nil
}

func (a *Actions) roleHolders(guildID, roleID string) []string {
	guild, err := a.session.State.Guild(guildID)
	if err != nil {
		return nil
	}

	a.session.State.RLock()
	defer a.session.State.RUnlock()

	var holders []string
	for _, m := range guild.Members {
		if m.User != nil && slices.Contains(m.Roles, roleID) {
			holders = append(holders, m.User.ID)
		}
	}
	return holders
}

// AnnounceChampion posts the weekly champion
func (a *Actions) AnnounceChampion(ctx context.Context, guildID string, champion models.LeaderboardEntry) error {
	channelID, err := a.announceChannel(guildID)
	if err != nil {
		return err
	}
	_, err = a.session.ChannelMessageSendEmbed(channelID, championEmbed(a.roleName, champion), discordgo.WithContext(ctx))
	return err
}

func championEmbed(roleName string, champion models.LeaderboardEntry) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "🏆 Weekly Voice Champion",
		Description: fmt.Sprintf("%s spent **%s** in voice this week and earned the **%s** role!",
			utils.FormatUserMention(champion.UserID), utils.FormatHoursMinutes(champion.Total), roleName),
		Color:     colorGold,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// CreateVoiceChannel creates a voice channel next to the template channel
func (a *Actions) CreateVoiceChannel(ctx context.Context, guildID, templateChannelID, name string, userLimit int) (string, error) {
	parentID := ""
	if tpl, err := a.session.State.Channel(templateChannelID); err == nil {
		parentID = tpl.ParentID
	}
	ch, err := a.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:      name,
		Type:      discordgo.ChannelTypeGuildVoice,
		UserLimit: userLimit,
		ParentID:  parentID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create voice channel: %w", err)
	}
	return ch.ID, nil
}

// DeleteChannel deletes a channel, mapping 404 to rooms.ErrChannelNotFound
func (a *Actions) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := a.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		if isNotFound(err) {
			return rooms.ErrChannelNotFound
		}
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

// ChannelMembers counts connected members from the state cache
func (a *Actions) ChannelMembers(guildID, channelID string) (int, bool) {
	if _, err := a.session.State.Channel(channelID); err != nil {
		return 0, false
	}
	guild, err := a.session.State.Guild(guildID)
	if err != nil {
		return 0, false
	}

	a.session.State.RLock()
	defer a.session.State.RUnlock()

	n := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			n++
		}
	}
	return n, true
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
