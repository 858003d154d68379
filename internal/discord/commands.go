package discord

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"voicekeeper/internal/afk"
	"voicekeeper/internal/models"
	"voicekeeper/internal/rooms"
	"voicekeeper/internal/settings"
	"voicekeeper/internal/voice"
	"voicekeeper/pkg/utils"
)

const (
	leaderboardSize = 10
	roomStatsSize   = 5
	commandTimeout  = 15 * time.Second
)

// parseCommand splits a prefixed message into a lower-cased command name
// and its arguments
func parseCommand(content, prefix string) (string, []string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// messageCreate handles message creation events
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	name, args, ok := parseCommand(m.Content, b.prefix)
	if !ok {
		return
	}
	if !b.running() {
		return
	}
	defer b.stopMu.RUnlock()

	// commands make REST calls; keep them off the gateway loop
	b.wg.Go(func() {
		b.dispatch(s, m, name, args)
	})
}

func (b *Bot) dispatch(s *discordgo.Session, m *discordgo.MessageCreate, name string, args []string) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch name {
	case "voiceactivity", "va":
		b.handleLeaderboardCommand(s, m, args)
	case "voice":
		b.handleVoiceCommand(s, m)
	case "afk":
		b.handleAFKCommand(s, m, args)
	case "vcstats":
		b.handleRoomStatsCommand(s, m)
	case "cleanup":
		b.handleCleanupCommand(ctx, s, m)
	case "status":
		b.handleStatusCommand(ctx, s, m)
	case "setafk", "setwelcome", "setmodlog", "setannounce",
		"setduochannel", "settriochannel", "setsquadchannel", "setteamchannel":
		b.handleSetChannelCommand(ctx, s, m, name, args)
	}
}

func (b *Bot) reply(s *discordgo.Session, channelID, text string) {
	if _, err := s.ChannelMessageSend(channelID, text); err != nil {
		b.log.Warn("Failed to send message", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (b *Bot) replyEmbed(s *discordgo.Session, channelID string, embed *discordgo.MessageEmbed) {
	if _, err := s.ChannelMessageSendEmbed(channelID, embed); err != nil {
		b.log.Warn("Failed to send embed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (b *Bot) hasPermission(s *discordgo.Session, m *discordgo.MessageCreate, perm int64) bool {
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		b.log.Warn("Failed to resolve permissions",
			zap.String("user_id", m.Author.ID),
			zap.String("channel_id", m.ChannelID),
			zap.Error(err))
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0 || perms&perm != 0
}

// handleLeaderboardCommand handles !voiceactivity [alltime|weekly]
func (b *Bot) handleLeaderboardCommand(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	view, err := voice.ParseView(arg)
	if err != nil {
		b.reply(s, m.ChannelID, fmt.Sprintf("Usage: %svoiceactivity [alltime|weekly]", b.prefix))
		return
	}

	entries := b.ledger.TopN(m.GuildID, view, leaderboardSize, time.Now())
	b.replyEmbed(s, m.ChannelID, leaderboardEmbed(view, entries))
}

func leaderboardTitle(view voice.View) string {
	switch view {
	case voice.ViewWeekly:
		return "📅 Weekly Voice Activity"
	case voice.ViewAllTime:
		return "🏛️ All-Time Voice Activity"
	default:
		return "🔊 Today's Voice Activity"
	}
}

func leaderboardEmbed(view voice.View, entries []models.LeaderboardEntry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: leaderboardTitle(view),
		Color: colorBlue,
	}
	if len(entries) == 0 {
		embed.Description = "No voice activity recorded yet."
		return embed
	}

	lines := make([]string, 0, len(entries))
	for i, e := range entries {
		name := utils.FormatUserMention(e.UserID)
		if e.DisplayName != "" {
			name = e.DisplayName
		}
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, name, utils.FormatDuration(e.Total)))
	}
	embed.Description = strings.Join(lines, "\n")
	return embed
}

// handleVoiceCommand shows the author's own totals
func (b *Bot) handleVoiceCommand(s *discordgo.Session, m *discordgo.MessageCreate) {
	totals := b.ledger.UserTotals(m.GuildID, m.Author.ID, time.Now())
	b.reply(s, m.ChannelID, voiceTotalsText(m.Author.Username, totals))
}

func voiceTotalsText(name string, t voice.Totals) string {
	msg := fmt.Sprintf("🔊 %s\nToday: %s\nThis week: %s\nAll time: %s",
		name, utils.FormatDuration(t.Today), utils.FormatDuration(t.Week), utils.FormatDuration(t.AllTime))
	if t.Open {
		msg += "\n(currently in voice)"
	}
	return msg
}

// handleAFKCommand handles !afk status and !afk timeout <seconds>
func (b *Bot) handleAFKCommand(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 || strings.EqualFold(args[0], "status") {
		b.replyEmbed(s, m.ChannelID, afkStatusEmbed(
			b.settings.AFKChannelID(m.GuildID),
			b.watcher.Timeout(),
			b.watcher.DeafenThreshold(),
			b.watcher.Active(m.GuildID)))
		return
	}

	if !strings.EqualFold(args[0], "timeout") || len(args) < 2 {
		b.reply(s, m.ChannelID, fmt.Sprintf("Usage: %safk status | %safk timeout <seconds>", b.prefix, b.prefix))
		return
	}
	if !b.hasPermission(s, m, discordgo.PermissionManageChannels) {
		b.reply(s, m.ChannelID, "You need the Manage Channels permission to change the AFK timeout.")
		return
	}

	seconds, err := strconv.Atoi(args[1])
	if err != nil {
		b.reply(s, m.ChannelID, "Timeout must be a whole number of seconds.")
		return
	}
	if err := b.watcher.SetTimeout(time.Duration(seconds) * time.Second); err != nil {
		if errors.Is(err, afk.ErrTimeoutOutOfRange) {
			b.reply(s, m.ChannelID, fmt.Sprintf("Timeout must be between %d and %d seconds.",
				int(afk.MinTimeout/time.Second), int(afk.MaxTimeout/time.Second)))
			return
		}
		b.reply(s, m.ChannelID, "Failed to update the AFK timeout.")
		return
	}

	b.log.Info("AFK timeout changed",
		zap.String("guild_id", m.GuildID),
		zap.String("user_id", m.Author.ID),
		zap.Int("seconds", seconds))
	b.reply(s, m.ChannelID, fmt.Sprintf("✅ AFK timeout set to %s.", utils.FormatHoursMinutes(b.watcher.Timeout())))
}

func afkStatusEmbed(afkChannelID string, timeout, deafen time.Duration, watching int) *discordgo.MessageEmbed {
	channel := "not configured"
	if afkChannelID != "" {
		channel = utils.FormatChannelMention(afkChannelID)
	}
	return &discordgo.MessageEmbed{
		Title: "💤 AFK Status",
		Color: colorOrange,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "AFK channel", Value: channel, Inline: true},
			{Name: "Idle timeout", Value: utils.FormatHoursMinutes(timeout), Inline: true},
			{Name: "Deafen threshold", Value: utils.FormatHoursMinutes(deafen), Inline: true},
			{Name: "Members watched", Value: strconv.Itoa(watching), Inline: true},
		},
	}
}

// handleRoomStatsCommand handles !vcstats
func (b *Bot) handleRoomStatsCommand(s *discordgo.Session, m *discordgo.MessageCreate) {
	if b.rooms == nil {
		b.reply(s, m.ChannelID, "Template rooms are disabled.")
		return
	}
	b.replyEmbed(s, m.ChannelID, roomStatsEmbed(b.rooms.Stats(m.GuildID, roomStatsSize)))
}

func roomStatsEmbed(st rooms.Stats) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "🎧 Voice Room Stats",
		Color: colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Rooms created", Value: strconv.Itoa(st.TotalCreated), Inline: true},
			{Name: "Active rooms", Value: strconv.Itoa(st.Active), Inline: true},
		},
	}
	if len(st.Top) == 0 {
		return embed
	}

	lines := make([]string, 0, len(st.Top))
	for i, cs := range st.Top {
		name := utils.FormatUserMention(cs.UserID)
		if cs.DisplayName != "" {
			name = cs.DisplayName
		}
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, name, fmt.Sprintf("%d rooms", cs.Total())))
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  "Top creators",
		Value: strings.Join(lines, "\n"),
	})
	return embed
}

// handleCleanupCommand removes empty rooms left behind
func (b *Bot) handleCleanupCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if !b.hasPermission(s, m, discordgo.PermissionManageChannels) {
		b.reply(s, m.ChannelID, "You need the Manage Channels permission to run cleanup.")
		return
	}
	if b.rooms == nil {
		b.reply(s, m.ChannelID, "Template rooms are disabled.")
		return
	}
	removed := b.rooms.Cleanup(ctx)
	b.reply(s, m.ChannelID, fmt.Sprintf("🧹 Removed %d empty room(s).", removed))
}

type systemStats struct {
	CPUPercent float64
	MemUsed    uint64
	MemTotal   uint64
	MemPercent float64
	Goroutines int
	Latency    time.Duration
	Guilds     int
	Uptime     time.Duration
	OpenVoice  int
	WatchedAFK int
}

// handleStatusCommand reports host and bot health
func (b *Bot) handleStatusCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	st := systemStats{
		Goroutines: runtime.NumGoroutine(),
		Latency:    s.HeartbeatLatency(),
		Guilds:     len(s.State.Guilds),
		Uptime:     time.Since(b.started),
		OpenVoice:  b.ledger.OpenSessions(m.GuildID),
		WatchedAFK: b.watcher.Active(m.GuildID),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	} else if err != nil {
		b.log.Debug("Failed to read CPU usage", zap.Error(err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemUsed, st.MemTotal, st.MemPercent = vm.Used, vm.Total, vm.UsedPercent
	} else {
		b.log.Debug("Failed to read memory usage", zap.Error(err))
	}

	b.replyEmbed(s, m.ChannelID, statusEmbed(st))
}

func statusEmbed(st systemStats) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "📊 Bot Status",
		Color: colorBlue,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "CPU", Value: fmt.Sprintf("%.1f%%", st.CPUPercent), Inline: true},
			{Name: "Memory", Value: fmt.Sprintf("%s / %s (%.1f%%)",
				formatBytes(st.MemUsed), formatBytes(st.MemTotal), st.MemPercent), Inline: true},
			{Name: "Goroutines", Value: strconv.Itoa(st.Goroutines), Inline: true},
			{Name: "Latency", Value: st.Latency.Round(time.Millisecond).String(), Inline: true},
			{Name: "Guilds", Value: strconv.Itoa(st.Guilds), Inline: true},
			{Name: "Uptime", Value: utils.FormatDuration(st.Uptime), Inline: true},
			{Name: "In voice", Value: strconv.Itoa(st.OpenVoice), Inline: true},
			{Name: "AFK watches", Value: strconv.Itoa(st.WatchedAFK), Inline: true},
		},
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// handleSetChannelCommand stores one of the guild's channel settings
func (b *Bot) handleSetChannelCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, name string, args []string) {
	if !b.hasPermission(s, m, discordgo.PermissionAdministrator) {
		b.reply(s, m.ChannelID, "You need the Administrator permission to change bot settings.")
		return
	}

	channelID := ""
	if len(args) > 0 {
		channelID = utils.ExtractChannelID(args[0])
	}
	if channelID == "" {
		b.reply(s, m.ChannelID, fmt.Sprintf("Usage: %s%s <#channel|id>", b.prefix, name))
		return
	}

	label, ok := applyChannelSetting(name, channelID, b.settingsUpdater(m.GuildID))
	if !ok {
		return
	}

	b.log.Info("Guild setting changed",
		zap.String("guild_id", m.GuildID),
		zap.String("setting", label),
		zap.String("channel_id", channelID))
	b.tracker.Persist(ctx)
	b.reply(s, m.ChannelID, fmt.Sprintf("✅ %s channel set to %s.", label, utils.FormatChannelMention(channelID)))
}

func (b *Bot) settingsUpdater(guildID string) func(func(*models.GuildSettings)) {
	return func(fn func(*models.GuildSettings)) {
		b.settings.Update(guildID, fn)
	}
}

// templateCommands maps the room template setters to template names
var templateCommands = map[string]string{
	"setduochannel":   "Duo",
	"settriochannel":  "Trio",
	"setsquadchannel": "Squad",
	"setteamchannel":  "Team",
}

// applyChannelSetting maps a set command to the settings field it writes
func applyChannelSetting(name, channelID string, update func(func(*models.GuildSettings))) (string, bool) {
	if template, ok := templateCommands[name]; ok {
		update(func(gs *models.GuildSettings) {
			if gs.Templates == nil {
				gs.Templates = make(map[string]models.TemplateChannel)
			}
			limit := gs.Templates[template].UserLimit
			if limit == 0 {
				limit = settings.DefaultUserLimits[template]
			}
			gs.Templates[template] = models.TemplateChannel{ChannelID: channelID, UserLimit: limit}
		})
		return template + " template", true
	}

	switch name {
	case "setafk":
		update(func(gs *models.GuildSettings) { gs.AFKChannelID = channelID })
		return "AFK", true
	case "setwelcome":
		update(func(gs *models.GuildSettings) { gs.WelcomeChannelID = channelID })
		return "Welcome", true
	case "setmodlog":
		update(func(gs *models.GuildSettings) { gs.ModLogChannelID = channelID })
		return "Mod-log", true
	case "setannounce":
		update(func(gs *models.GuildSettings) { gs.AnnounceChannelID = channelID })
		return "Announcement", true
	}
	return "", false
}
