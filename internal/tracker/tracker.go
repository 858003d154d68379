// Package tracker turns platform voice-state changes into ledger, AFK and
// room transitions and mirrors the result to the store.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicekeeper/internal/afk"
	"voicekeeper/internal/models"
	"voicekeeper/internal/rooms"
	"voicekeeper/internal/settings"
	"voicekeeper/internal/voice"
)

// VoiceState is the part of a member's voice state the tracker uses
type VoiceState struct {
	ChannelID  string
	SelfDeaf   bool
	SelfMute   bool
	SelfStream bool
	SelfVideo  bool
}

// Connected reports whether the state is inside a voice channel
func (s VoiceState) Connected() bool {
	return s.ChannelID != ""
}

// VoiceChange is one voice-state update for a member
type VoiceChange struct {
	GuildID     string
	UserID      string
	DisplayName string
	Before      VoiceState
	After       VoiceState
	At          time.Time
}

// Member is a connected member observed at startup
type Member struct {
	UserID      string
	DisplayName string
	State       VoiceState
}

// Saver persists and restores the whole bot state
type Saver interface {
	Save(ctx context.Context, state models.State) error
	Load(ctx context.Context) (models.State, error)
}

// Tracker owns the voice ledger and AFK watcher transitions
type Tracker struct {
	ledger    *voice.Ledger
	watcher   *afk.Watcher
	settings  *settings.Store
	rooms     *rooms.Manager
	saver     Saver
	countIdle bool

	requested atomic.Uint64
	saveMu    sync.Mutex
	saved     uint64

	log *zap.Logger
}

// New creates a tracker. rooms may be nil to disable template rooms.
func New(ledger *voice.Ledger, watcher *afk.Watcher, store *settings.Store, roomManager *rooms.Manager, saver Saver, countIdle bool, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		ledger:    ledger,
		watcher:   watcher,
		settings:  store,
		rooms:     roomManager,
		saver:     saver,
		countIdle: countIdle,
		log:       log,
	}
}

// Handle applies a voice-state change and persists the result. Panics are
// recovered and logged so one bad event cannot stop tracking.
func (t *Tracker) Handle(ctx context.Context, c VoiceChange) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Recovered from panic in voice handler",
				zap.String("guild_id", c.GuildID),
				zap.String("user_id", c.UserID),
				zap.Any("panic", r))
		}
	}()

	at := c.At.UTC()
	before, after := c.Before, c.After
	afkChannel := t.settings.AFKChannelID(c.GuildID)
	eligible := voice.Eligible(after.ChannelID, afkChannel, after.SelfDeaf, after.SelfMute, t.countIdle)

	switch {
	case !before.Connected() && !after.Connected():
		return

	case !before.Connected():
		t.log.Debug("Voice join",
			zap.String("guild_id", c.GuildID),
			zap.String("user_id", c.UserID),
			zap.String("channel_id", after.ChannelID),
			zap.Bool("eligible", eligible))
		t.ledger.OnJoin(c.GuildID, c.UserID, c.DisplayName, after.ChannelID, at, eligible)
		t.watcher.StartWatch(c.GuildID, c.UserID, after.ChannelID, after.SelfDeaf, at)
		t.enterRoom(ctx, c)

	case !after.Connected():
		t.log.Debug("Voice leave",
			zap.String("guild_id", c.GuildID),
			zap.String("user_id", c.UserID),
			zap.String("channel_id", before.ChannelID))
		t.ledger.OnClose(c.GuildID, c.UserID, at)
		t.watcher.StopWatch(c.GuildID, c.UserID)
		t.leaveRoom(c.GuildID, before.ChannelID)

	case before.ChannelID != after.ChannelID:
		t.ledger.OnChannelSwitch(c.GuildID, c.UserID, c.DisplayName, before.ChannelID, after.ChannelID, at, eligible)
		// a move ends the current watch; a new one starts unless the
		// destination is the AFK channel
		t.watcher.StopWatch(c.GuildID, c.UserID)
		t.watcher.StartWatch(c.GuildID, c.UserID, after.ChannelID, after.SelfDeaf, at)
		t.leaveRoom(c.GuildID, before.ChannelID)
		t.enterRoom(ctx, c)

	default:
		t.ledger.SetEligible(c.GuildID, c.UserID, c.DisplayName, after.ChannelID, at, eligible)
		if before.SelfDeaf != after.SelfDeaf {
			t.watcher.SetDeafened(c.GuildID, c.UserID, after.SelfDeaf, at)
		}
		if before.SelfMute != after.SelfMute || before.SelfStream != after.SelfStream || before.SelfVideo != after.SelfVideo {
			t.watcher.Touch(c.GuildID, c.UserID, at)
		}
	}

	t.Persist(ctx)
}

func (t *Tracker) enterRoom(ctx context.Context, c VoiceChange) {
	if t.rooms == nil {
		return
	}
	if _, err := t.rooms.OnJoin(ctx, c.GuildID, c.UserID, c.DisplayName, c.After.ChannelID); err != nil {
		t.log.Warn("Failed to set up room",
			zap.String("guild_id", c.GuildID),
			zap.String("user_id", c.UserID),
			zap.Error(err))
	}
}

func (t *Tracker) leaveRoom(guildID, channelID string) {
	if t.rooms != nil {
		t.rooms.ScheduleCheck(guildID, channelID)
	}
}

// Seed opens sessions and watches for members already connected when the
// bot comes online
func (t *Tracker) Seed(ctx context.Context, guildID string, members []Member, at time.Time) int {
	at = at.UTC()
	afkChannel := t.settings.AFKChannelID(guildID)

	seeded := 0
	for _, m := range members {
		if !m.State.Connected() {
			continue
		}
		eligible := voice.Eligible(m.State.ChannelID, afkChannel, m.State.SelfDeaf, m.State.SelfMute, t.countIdle)
		t.ledger.OnJoin(guildID, m.UserID, m.DisplayName, m.State.ChannelID, at, eligible)
		t.watcher.StartWatch(guildID, m.UserID, m.State.ChannelID, m.State.SelfDeaf, at)
		seeded++
	}
	if seeded > 0 {
		t.log.Info("Seeded connected members", zap.String("guild_id", guildID), zap.Int("members", seeded))
		t.Persist(ctx)
	}
	return seeded
}

// Restore loads the stored state into the ledger, settings and rooms
func (t *Tracker) Restore(ctx context.Context) error {
	state, err := t.saver.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	t.ledger.Restore(state.Voice)
	if state.GuildSettings != nil {
		t.settings.Restore(state.GuildSettings)
	}
	if t.rooms != nil {
		t.rooms.Restore(state.CreatedChannels, state.ChannelStats)
	}
	return nil
}

// Persist saves a snapshot of the current state. Saves run one at a time
// and a request already covered by a newer snapshot is skipped. Failures
// are logged; the next mutation triggers another attempt.
func (t *Tracker) Persist(ctx context.Context) {
	seq := t.requested.Add(1)

	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	if seq <= t.saved {
		return
	}
	mark := t.requested.Load()
	state := t.collect()

	if err := t.saver.Save(ctx, state); err != nil {
		t.log.Error("Failed to save state", zap.Error(err))
		return
	}
	t.saved = mark
}

func (t *Tracker) collect() models.State {
	snap, _ := t.ledger.Snapshot()
	state := models.State{
		Voice:         snap,
		GuildSettings: t.settings.Snapshot(),
	}
	if t.rooms != nil {
		state.CreatedChannels, state.ChannelStats = t.rooms.Snapshot()
	}
	return state
}

// Shutdown closes every open session at `at` and writes a final snapshot
func (t *Tracker) Shutdown(ctx context.Context, at time.Time) {
	closed := t.ledger.CloseAll(at)
	t.log.Info("Closed open voice sessions", zap.Int("sessions", closed))
	t.Persist(ctx)
}
