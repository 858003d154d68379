// Package settings holds per-guild configuration seeded from a TOML file and
// adjusted at runtime through admin commands.
package settings

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"voicekeeper/internal/models"
	"voicekeeper/internal/voice"
)

// DefaultUserLimits are applied to templates that do not set user_limit
var DefaultUserLimits = map[string]int{
	"Duo":   2,
	"Trio":  3,
	"Squad": 4,
	"Team":  12,
}

type fileConfig struct {
	Guilds map[string]models.GuildSettings `koanf:"guilds"`
}

// LoadFile reads guild settings from a TOML file with one [guilds.<id>]
// table per guild
func LoadFile(path string) (map[string]models.GuildSettings, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load guild settings file: %w", err)
	}

	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guild settings: %w", err)
	}
	if fc.Guilds == nil {
		fc.Guilds = make(map[string]models.GuildSettings)
	}
	for id, gs := range fc.Guilds {
		for name, tpl := range gs.Templates {
			if tpl.UserLimit == 0 {
				tpl.UserLimit = DefaultUserLimits[name]
				gs.Templates[name] = tpl
			}
		}
		fc.Guilds[id] = gs
	}
	return fc.Guilds, nil
}

// Store is the in-memory guild settings table
type Store struct {
	mu     sync.RWMutex
	guilds map[string]models.GuildSettings
}

// NewStore creates a store seeded with the given settings
func NewStore(seed map[string]models.GuildSettings) *Store {
	s := &Store{guilds: make(map[string]models.GuildSettings, len(seed))}
	for id, gs := range seed {
		s.guilds[id] = clone(gs)
	}
	return s
}

func clone(gs models.GuildSettings) models.GuildSettings {
	if gs.Templates != nil {
		gs.Templates = maps.Clone(gs.Templates)
	}
	return gs
}

// Get returns a copy of a guild's settings; unknown guilds get zero settings
func (s *Store) Get(guildID string) models.GuildSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.guilds[guildID])
}

// AFKChannelID returns the guild's AFK channel or ""
func (s *Store) AFKChannelID(guildID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guilds[guildID].AFKChannelID
}

// WeeklyResetDay returns the weekday the weekly view rolls over on, Monday
// unless configured
func (s *Store) WeeklyResetDay(guildID string) time.Weekday {
	s.mu.RLock()
	day := s.guilds[guildID].WeeklyResetDay
	s.mu.RUnlock()

	d, _ := voice.ParseWeekday(day)
	return d
}

// Location returns the guild's display timezone, UTC when unset or invalid
func (s *Store) Location(guildID string) *time.Location {
	s.mu.RLock()
	tz := s.guilds[guildID].Timezone
	s.mu.RUnlock()

	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Template looks up the template whose channel is channelID
func (s *Store) Template(guildID, channelID string) (string, models.TemplateChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, tpl := range s.guilds[guildID].Templates {
		if tpl.ChannelID != "" && tpl.ChannelID == channelID {
			return name, tpl, true
		}
	}
	return "", models.TemplateChannel{}, false
}

// Update applies fn to a guild's settings
func (s *Store) Update(guildID string, fn func(gs *models.GuildSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs := clone(s.guilds[guildID])
	fn(&gs)
	s.guilds[guildID] = gs
}

// Snapshot copies every guild's settings
func (s *Store) Snapshot() map[string]models.GuildSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.GuildSettings, len(s.guilds))
	for id, gs := range s.guilds {
		out[id] = clone(gs)
	}
	return out
}

// Restore overlays stored settings on the seeded ones. Non-empty stored
// fields win; templates are merged by name.
func (s *Store) Restore(stored map[string]models.GuildSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range stored {
		s.guilds[id] = merge(s.guilds[id], st)
	}
}

func merge(base, over models.GuildSettings) models.GuildSettings {
	out := clone(base)
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.WelcomeChannelID, over.WelcomeChannelID)
	set(&out.ModLogChannelID, over.ModLogChannelID)
	set(&out.AFKChannelID, over.AFKChannelID)
	set(&out.AIChannelID, over.AIChannelID)
	set(&out.DMCategoryID, over.DMCategoryID)
	set(&out.MatchChannelID, over.MatchChannelID)
	set(&out.AnnounceChannelID, over.AnnounceChannelID)
	set(&out.Timezone, over.Timezone)
	set(&out.SystemPrompt, over.SystemPrompt)
	set(&out.WeeklyResetDay, over.WeeklyResetDay)
	if len(over.Templates) > 0 {
		if out.Templates == nil {
			out.Templates = make(map[string]models.TemplateChannel, len(over.Templates))
		}
		maps.Copy(out.Templates, over.Templates)
	}
	return out
}
