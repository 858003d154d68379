package models

import "time"

// VoiceSession represents a user's open, countable voice session
type VoiceSession struct {
	Start     time.Time `json:"start"`
	ChannelID string    `json:"channel_id"`
}

// DailyRecord is one user's entry in the daily voice view, including the
// open session so it survives a restart
type DailyRecord struct {
	UserID      string        `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Today       time.Duration `json:"today"`
	ChannelID   string        `json:"channel_id,omitempty"`
	Session     *VoiceSession `json:"session,omitempty"`
}

// WeeklyRecord holds 7 day buckets indexed Monday=0 .. Sunday=6
type WeeklyRecord struct {
	UserID  string           `json:"user_id"`
	Buckets [7]time.Duration `json:"buckets"`
}

// Total returns the sum of all buckets
func (w WeeklyRecord) Total() time.Duration {
	var total time.Duration
	for _, b := range w.Buckets {
		total += b
	}
	return total
}

// AllTimeRecord is one user's all-time voice total
type AllTimeRecord struct {
	UserID string        `json:"user_id"`
	Total  time.Duration `json:"total"`
}

// VoiceSnapshot is the serializable state of the voice ledger. Slices keep
// first-seen order per guild.
type VoiceSnapshot struct {
	Daily   map[string][]DailyRecord   `json:"daily"`
	Weekly  map[string][]WeeklyRecord  `json:"weekly"`
	AllTime map[string][]AllTimeRecord `json:"alltime"`
}

// LeaderboardEntry represents a ranked row of a leaderboard
type LeaderboardEntry struct {
	UserID      string
	DisplayName string
	Total       time.Duration
}

// TemplateChannel describes a voice channel that spawns private rooms
type TemplateChannel struct {
	ChannelID string `koanf:"channel_id" json:"channel_id"`
	UserLimit int    `koanf:"user_limit" json:"user_limit"`
}

// GuildSettings holds the durable per-guild configuration
type GuildSettings struct {
	WelcomeChannelID  string                     `koanf:"welcome_channel_id" json:"welcome_channel_id,omitempty"`
	ModLogChannelID   string                     `koanf:"modlog_channel_id" json:"modlog_channel_id,omitempty"`
	AFKChannelID      string                     `koanf:"afk_channel_id" json:"afk_channel_id,omitempty"`
	AIChannelID       string                     `koanf:"ai_channel_id" json:"ai_channel_id,omitempty"`
	DMCategoryID      string                     `koanf:"dm_category_id" json:"dm_category_id,omitempty"`
	MatchChannelID    string                     `koanf:"match_channel_id" json:"match_channel_id,omitempty"`
	AnnounceChannelID string                     `koanf:"announce_channel_id" json:"announce_channel_id,omitempty"`
	Timezone          string                     `koanf:"timezone" json:"timezone,omitempty"`
	SystemPrompt      string                     `koanf:"system_prompt" json:"system_prompt,omitempty"`
	WeeklyResetDay    string                     `koanf:"weekly_reset_day" json:"weekly_reset_day,omitempty"`
	Templates         map[string]TemplateChannel `koanf:"templates" json:"templates,omitempty"`
}

// CreatedRoom is a voice channel spawned from a template
type CreatedRoom struct {
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	OwnerID   string    `json:"owner_id"`
	Template  string    `json:"template"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelStats counts rooms a user has spawned per template
type ChannelStats struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Counts      map[string]int `json:"counts"`
}

// Total returns the number of rooms created across templates
func (c ChannelStats) Total() int {
	n := 0
	for _, v := range c.Counts {
		n += v
	}
	return n
}

// Blob names used by the persistence layer
const (
	BlobVoiceDaily      = "voice_activity"
	BlobVoiceWeekly     = "voice_activity_weekly"
	BlobVoiceAllTime    = "voice_activity_alltime"
	BlobGuildSettings   = "guild_settings"
	BlobCreatedChannels = "created_channels"
	BlobChannelStats    = "channel_stats"
)

// State is everything mirrored to the document store
type State struct {
	Voice           VoiceSnapshot
	GuildSettings   map[string]GuildSettings
	CreatedChannels map[string]CreatedRoom    // keyed by channel ID
	ChannelStats    map[string][]ChannelStats // keyed by guild ID
}
