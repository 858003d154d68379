package afk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	guildID = "guild-1"
	userID  = "user-1"
	voiceID = "voice-x"
	afkID   = "voice-afk"
	settle  = 150 * time.Millisecond
	tick    = 5 * time.Millisecond
)

var t0 = time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t0.Add(time.Duration(seconds) * time.Second)
}

type move struct {
	guildID, userID, channelID string
}

type fakeMover struct {
	mu    sync.Mutex
	moves []move
	err   error
}

func (m *fakeMover) MoveToChannel(_ context.Context, guildID, userID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, move{guildID, userID, channelID})
	return m.err
}

func (m *fakeMover) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.moves)
}

type fakePresence struct {
	mu       sync.Mutex
	channels map[string]string
}

func (p *fakePresence) VoiceChannel(_, userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[userID]
	return ch, ok
}

func (p *fakePresence) set(userID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channelID == "" {
		delete(p.channels, userID)
		return
	}
	p.channels[userID] = channelID
}

type fakeAnnouncer struct {
	mu       sync.Mutex
	users    []string
	deafened []time.Duration
}

func (a *fakeAnnouncer) AnnounceRelocation(_ context.Context, _, userID string, _, deafened time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append(a.users, userID)
	a.deafened = append(a.deafened, deafened)
	return nil
}

type harness struct {
	watcher   *Watcher
	clock     *fakeClock
	mover     *fakeMover
	presence  *fakePresence
	announcer *fakeAnnouncer
}

func newHarness(t *testing.T, afkChannel string) *harness {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)

	h := &harness{
		clock:     &fakeClock{t: t0},
		mover:     &fakeMover{},
		presence:  &fakePresence{channels: map[string]string{userID: voiceID}},
		announcer: &fakeAnnouncer{},
	}
	h.watcher = NewWatcher(Config{
		Timeout:      300 * time.Second,
		PollInterval: tick,
		Now:          h.clock.Now,
	}, h.mover, h.announcer, h.presence, func(string) string { return afkChannel }, log)
	t.Cleanup(h.watcher.Close)
	return h
}

func TestWatcherInactiveButNotDeafened(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, false, t0))
	h.clock.Set(301)

	assert.Never(t, func() bool { return h.mover.count() > 0 }, settle, tick)
	assert.True(t, h.watcher.Watching(guildID, userID))
}

func TestWatcherDeafenedButRecentlyActive(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	h.watcher.Touch(guildID, userID, t0.Add(591*time.Second))
	h.clock.Set(601)

	assert.Never(t, func() bool { return h.mover.count() > 0 }, settle, tick)
}

func TestWatcherRelocatesOnConjunction(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, false, t0))
	h.watcher.SetDeafened(guildID, userID, true, t0.Add(120*time.Second))

	// idle long enough, deafened only 280s
	h.clock.Set(400)
	assert.Never(t, func() bool { return h.mover.count() > 0 }, settle, tick)

	h.clock.Set(730)
	assert.Eventually(t, func() bool { return h.mover.count() == 1 }, time.Second, tick)

	h.mover.mu.Lock()
	assert.Equal(t, move{guildID, userID, afkID}, h.mover.moves[0])
	h.mover.mu.Unlock()

	assert.Eventually(t, func() bool {
		h.announcer.mu.Lock()
		defer h.announcer.mu.Unlock()
		return len(h.announcer.users) == 1
	}, time.Second, tick)
	h.announcer.mu.Lock()
	assert.Equal(t, []time.Duration{610 * time.Second}, h.announcer.deafened)
	h.announcer.mu.Unlock()
	assert.False(t, h.watcher.Watching(guildID, userID))
}

func TestWatcherDeafenToggleKeepsActivity(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	h.watcher.SetDeafened(guildID, userID, false, t0.Add(100*time.Second))
	h.watcher.SetDeafened(guildID, userID, true, t0.Add(200*time.Second))

	// deafened for 599s since the second toggle
	h.clock.Set(799)
	assert.Never(t, func() bool { return h.mover.count() > 0 }, settle, tick)

	// last activity is still t0
	h.clock.Set(800)
	assert.Eventually(t, func() bool { return h.mover.count() == 1 }, time.Second, tick)
}

func TestWatcherRestartCancelsPrevious(t *testing.T) {
	h := newHarness(t, afkID)

	for i := 0; i < 5; i++ {
		require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	}
	assert.Equal(t, 1, h.watcher.Active(guildID))

	h.clock.Set(700)
	assert.Eventually(t, func() bool { return h.mover.count() == 1 }, time.Second, tick)
	assert.Never(t, func() bool { return h.mover.count() > 1 }, settle, tick)
}

func TestWatcherStopPreventsRelocation(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	assert.True(t, h.watcher.StopWatch(guildID, userID))
	assert.False(t, h.watcher.StopWatch(guildID, userID))

	h.clock.Set(700)
	assert.Never(t, func() bool { return h.mover.count() > 0 }, settle, tick)
}

func TestWatcherNoAFKChannel(t *testing.T) {
	h := newHarness(t, "")

	assert.False(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	assert.False(t, h.watcher.Watching(guildID, userID))
}

func TestWatcherJoinAFKChannel(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	assert.False(t, h.watcher.StartWatch(guildID, userID, afkID, true, t0))
	assert.False(t, h.watcher.Watching(guildID, userID))
}

func TestWatcherMemberAlreadyGone(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	h.presence.set(userID, "")
	h.clock.Set(700)

	assert.Eventually(t, func() bool { return !h.watcher.Watching(guildID, userID) }, time.Second, tick)
	assert.Zero(t, h.mover.count())
}

func TestWatcherMoveFailureDiscardsWatch(t *testing.T) {
	h := newHarness(t, afkID)
	h.mover.err = errors.New("missing permissions")

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	h.clock.Set(700)

	assert.Eventually(t, func() bool { return h.mover.count() == 1 }, time.Second, tick)
	assert.False(t, h.watcher.Watching(guildID, userID))
	assert.Never(t, func() bool { return h.mover.count() > 1 }, settle, tick)

	h.announcer.mu.Lock()
	assert.Empty(t, h.announcer.users)
	h.announcer.mu.Unlock()
}

func TestWatcherSetTimeout(t *testing.T) {
	h := newHarness(t, afkID)

	assert.ErrorIs(t, h.watcher.SetTimeout(59*time.Second), ErrTimeoutOutOfRange)
	assert.ErrorIs(t, h.watcher.SetTimeout(3601*time.Second), ErrTimeoutOutOfRange)
	assert.Equal(t, 300*time.Second, h.watcher.Timeout())

	require.NoError(t, h.watcher.SetTimeout(60*time.Second))
	assert.Equal(t, 60*time.Second, h.watcher.Timeout())
	require.NoError(t, h.watcher.SetTimeout(3600*time.Second))
	assert.Equal(t, DefaultDeafenThreshold, h.watcher.DeafenThreshold())
}

func TestWatcherCloseStopsTimers(t *testing.T) {
	h := newHarness(t, afkID)

	require.True(t, h.watcher.StartWatch(guildID, userID, voiceID, true, t0))
	h.watcher.Close()
	h.clock.Set(700)

	assert.Never(t, func() bool { return h.mover.count() > 0 }, settle, tick)
	assert.Equal(t, 0, h.watcher.Active(guildID))
}
