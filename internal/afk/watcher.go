// Package afk moves members who stay idle and deafened into the guild's AFK
// channel.
package afk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const (
	DefaultTimeout         = 300 * time.Second
	DefaultDeafenThreshold = 600 * time.Second
	DefaultPollInterval    = 15 * time.Second

	MinTimeout = 60 * time.Second
	MaxTimeout = 3600 * time.Second

	moveTimeout = 10 * time.Second
)

// ErrTimeoutOutOfRange is returned by SetTimeout
var ErrTimeoutOutOfRange = errors.New("afk timeout out of range")

// Mover relocates a member to another voice channel
type Mover interface {
	MoveToChannel(ctx context.Context, guildID, userID, channelID string) error
}

// Announcer notifies a guild that a member was relocated
type Announcer interface {
	AnnounceRelocation(ctx context.Context, guildID, userID string, idle, deafened time.Duration) error
}

// Presence reports the voice channel a member is connected to
type Presence interface {
	VoiceChannel(guildID, userID string) (channelID string, ok bool)
}

// ChannelLookup returns the guild's AFK channel or "" when none is configured
type ChannelLookup func(guildID string) string

// Config configures a Watcher
type Config struct {
	Timeout         time.Duration
	DeafenThreshold time.Duration
	PollInterval    time.Duration
	Now             func() time.Time
}

type key struct {
	guildID string
	userID  string
}

type watch struct {
	key          key
	channelID    string
	lastActivity time.Time
	deafenStart  time.Time // zero while not deafened
	cancel       context.CancelFunc
}

// Watcher keeps exactly one polling timer per watched member
type Watcher struct {
	mu      sync.Mutex
	watches map[key]*watch
	timeout time.Duration

	deafenThreshold time.Duration
	poll            time.Duration
	now             func() time.Time

	mover      Mover
	announcer  Announcer
	presence   Presence
	afkChannel ChannelLookup

	ctx  context.Context
	stop context.CancelFunc
	wg   conc.WaitGroup
	log  *zap.Logger
}

// NewWatcher creates a watcher. announcer may be nil.
func NewWatcher(cfg Config, mover Mover, announcer Announcer, presence Presence, afkChannel ChannelLookup, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DeafenThreshold == 0 {
		cfg.DeafenThreshold = DefaultDeafenThreshold
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Watcher{
		watches:         make(map[key]*watch),
		timeout:         cfg.Timeout,
		deafenThreshold: cfg.DeafenThreshold,
		poll:            cfg.PollInterval,
		now:             cfg.Now,
		mover:           mover,
		announcer:       announcer,
		presence:        presence,
		afkChannel:      afkChannel,
		ctx:             ctx,
		stop:            stop,
		log:             log,
	}
}

// StartWatch begins watching a member who joined channelID at `at`. Any
// existing watch for the member is cancelled first. It reports false when
// the guild has no AFK channel or the member is already in it.
func (w *Watcher) StartWatch(guildID, userID, channelID string, deafened bool, at time.Time) bool {
	afkChannel := w.afkChannel(guildID)
	if afkChannel == "" || channelID == "" || channelID == afkChannel {
		w.StopWatch(guildID, userID)
		return false
	}

	ctx, cancel := context.WithCancel(w.ctx)
	nw := &watch{
		key:          key{guildID: guildID, userID: userID},
		channelID:    channelID,
		lastActivity: at.UTC(),
		cancel:       cancel,
	}
	if deafened {
		nw.deafenStart = at.UTC()
	}

	w.mu.Lock()
	if old, ok := w.watches[nw.key]; ok {
		old.cancel()
	}
	w.watches[nw.key] = nw
	w.mu.Unlock()

	w.wg.Go(func() {
		w.run(ctx, nw)
	})

	w.log.Debug("AFK watch started",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("channel_id", channelID),
		zap.Bool("deafened", deafened))
	return true
}

// StopWatch discards a member's watch without relocating them
func (w *Watcher) StopWatch(guildID, userID string) bool {
	k := key{guildID: guildID, userID: userID}

	w.mu.Lock()
	old, ok := w.watches[k]
	if ok {
		delete(w.watches, k)
	}
	w.mu.Unlock()

	if ok {
		old.cancel()
		w.log.Debug("AFK watch stopped", zap.String("guild_id", guildID), zap.String("user_id", userID))
	}
	return ok
}

// SetDeafened records a deafen toggle. Activity time is left unchanged.
func (w *Watcher) SetDeafened(guildID, userID string, deafened bool, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur, ok := w.watches[key{guildID: guildID, userID: userID}]
	if !ok {
		return
	}
	switch {
	case deafened && cur.deafenStart.IsZero():
		cur.deafenStart = at.UTC()
	case !deafened:
		cur.deafenStart = time.Time{}
	}
}

// Touch records qualifying activity for a watched member
func (w *Watcher) Touch(guildID, userID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cur, ok := w.watches[key{guildID: guildID, userID: userID}]; ok {
		cur.lastActivity = at.UTC()
	}
}

// SetTimeout changes the inactivity threshold for all watches
func (w *Watcher) SetTimeout(d time.Duration) error {
	if d < MinTimeout || d > MaxTimeout {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrTimeoutOutOfRange, d, MinTimeout, MaxTimeout)
	}
	w.mu.Lock()
	w.timeout = d
	w.mu.Unlock()

	w.log.Info("AFK timeout updated", zap.Duration("timeout", d))
	return nil
}

// Timeout returns the inactivity threshold
func (w *Watcher) Timeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

// DeafenThreshold returns the sustained deafen threshold
func (w *Watcher) DeafenThreshold() time.Duration {
	return w.deafenThreshold
}

// Watching reports whether a member currently has a watch
func (w *Watcher) Watching(guildID, userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[key{guildID: guildID, userID: userID}]
	return ok
}

// Active counts watches in a guild
func (w *Watcher) Active(guildID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for k := range w.watches {
		if k.guildID == guildID {
			n++
		}
	}
	return n
}

// Close cancels every watch and waits for the timers to exit
func (w *Watcher) Close() {
	w.mu.Lock()
	w.watches = make(map[key]*watch)
	w.mu.Unlock()

	w.stop()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context, cur *watch) {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if w.check(cur) {
			return
		}
		timer.Reset(w.poll)
	}
}

// check reports true once the watch is finished
func (w *Watcher) check(cur *watch) bool {
	now := w.now().UTC()

	w.mu.Lock()
	if w.watches[cur.key] != cur {
		w.mu.Unlock()
		return true
	}
	idle := now.Sub(cur.lastActivity)
	if idle < w.timeout || cur.deafenStart.IsZero() || now.Sub(cur.deafenStart) < w.deafenThreshold {
		w.mu.Unlock()
		return false
	}
	deafened := now.Sub(cur.deafenStart)
	delete(w.watches, cur.key)
	w.mu.Unlock()
	cur.cancel()

	w.relocate(cur, idle, deafened)
	return true
}

func (w *Watcher) relocate(cur *watch, idle, deafened time.Duration) {
	guildID, userID := cur.key.guildID, cur.key.userID
	log := w.log.With(zap.String("guild_id", guildID), zap.String("user_id", userID))

	afkChannel := w.afkChannel(guildID)
	if afkChannel == "" {
		log.Debug("AFK channel no longer configured, dropping watch")
		return
	}
	if w.presence != nil {
		channelID, ok := w.presence.VoiceChannel(guildID, userID)
		if !ok || channelID == afkChannel {
			log.Debug("Member left or already in AFK channel, dropping watch")
			return
		}
	}

	ctx, cancel := context.WithTimeout(w.ctx, moveTimeout)
	defer cancel()

	if err := w.mover.MoveToChannel(ctx, guildID, userID, afkChannel); err != nil {
		log.Warn("Failed to move member to AFK channel", zap.String("afk_channel_id", afkChannel), zap.Error(err))
		return
	}
	log.Info("Moved member to AFK channel",
		zap.String("afk_channel_id", afkChannel),
		zap.Duration("idle", idle),
		zap.Duration("deafened", deafened))

	if w.announcer != nil {
		if err := w.announcer.AnnounceRelocation(ctx, guildID, userID, idle, deafened); err != nil {
			log.Debug("Failed to announce AFK move", zap.Error(err))
		}
	}
}
