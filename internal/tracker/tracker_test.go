package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicekeeper/internal/afk"
	"voicekeeper/internal/models"
	"voicekeeper/internal/settings"
	"voicekeeper/internal/voice"
)

const (
	guildID  = "guild-1"
	userA    = "user-a"
	channelX = "voice-x"
	channelY = "voice-y"
	afkID    = "voice-afk"
	tick     = 5 * time.Millisecond
)

var t0 = time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

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
	c.t = at(seconds)
}

type fakeSaver struct {
	mu     sync.Mutex
	saves  int
	last   models.State
	fail   bool
	stored models.State
}

func (s *fakeSaver) Save(_ context.Context, state models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database unavailable")
	}
	s.saves++
	s.last = state
	return nil
}

func (s *fakeSaver) Load(context.Context) (models.State, error) {
	return s.stored, nil
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// platform simulates the AFK move arriving back as a voice-state update
type platform struct {
	mu       sync.Mutex
	tracker  *Tracker
	clock    *fakeClock
	channels map[string]string
	deaf     map[string]bool
	moves    int
}

func (p *platform) VoiceChannel(_, userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[userID]
	return ch, ok
}

func (p *platform) MoveToChannel(ctx context.Context, guildID, userID, channelID string) error {
	p.mu.Lock()
	from := p.channels[userID]
	deaf := p.deaf[userID]
	p.channels[userID] = channelID
	p.moves++
	p.mu.Unlock()

	p.tracker.Handle(ctx, VoiceChange{
		GuildID: guildID,
		UserID:  userID,
		Before:  VoiceState{ChannelID: from, SelfDeaf: deaf},
		After:   VoiceState{ChannelID: channelID, SelfDeaf: deaf},
		At:      p.clock.Now(),
	})
	return nil
}

func (p *platform) moveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moves
}

type harness struct {
	tracker  *Tracker
	ledger   *voice.Ledger
	watcher  *afk.Watcher
	settings *settings.Store
	saver    *fakeSaver
	clock    *fakeClock
	platform *platform
}

func newHarness(t *testing.T, countIdle bool) *harness {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)

	h := &harness{
		ledger:   voice.NewLedger(log),
		settings: settings.NewStore(map[string]models.GuildSettings{guildID: {AFKChannelID: afkID}}),
		saver:    &fakeSaver{},
		clock:    &fakeClock{t: t0},
	}
	h.platform = &platform{clock: h.clock, channels: make(map[string]string), deaf: make(map[string]bool)}
	h.watcher = afk.NewWatcher(afk.Config{
		Timeout:      300 * time.Second,
		PollInterval: tick,
		Now:          h.clock.Now,
	}, h.platform, nil, h.platform, h.settings.AFKChannelID, log)
	t.Cleanup(h.watcher.Close)

	h.tracker = New(h.ledger, h.watcher, h.settings, nil, h.saver, countIdle, log)
	h.platform.tracker = h.tracker
	return h
}

// apply feeds a change and mirrors it into the simulated platform state
func (h *harness) apply(before, after VoiceState, seconds int) {
	h.platform.mu.Lock()
	if after.Connected() {
		h.platform.channels[userA] = after.ChannelID
	} else {
		delete(h.platform.channels, userA)
	}
	h.platform.deaf[userA] = after.SelfDeaf
	h.platform.mu.Unlock()

	h.clock.Set(seconds)
	h.tracker.Handle(context.Background(), VoiceChange{
		GuildID:     guildID,
		UserID:      userA,
		DisplayName: "Alice",
		Before:      before,
		After:       after,
		At:          at(seconds),
	})
}

func (h *harness) allTime() time.Duration {
	top := h.ledger.TopN(guildID, voice.ViewAllTime, 10, at(0))
	if len(top) == 0 {
		return 0
	}
	return top[0].Total
}

func TestScenarioDeafenedUserRelocated(t *testing.T) {
	tests := []struct {
		name      string
		countIdle bool
		credited  time.Duration
	}{
		// deafening at t=120 closes the eligible window
		{name: "strict eligibility", countIdle: false, credited: 120 * time.Second},
		// deafened time still counts, the AFK move closes the session
		{name: "count idle voice", countIdle: true, credited: 730 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.countIdle)
			x := VoiceState{ChannelID: channelX}
			xDeaf := VoiceState{ChannelID: channelX, SelfDeaf: true}

			h.apply(VoiceState{}, x, 0)
			require.True(t, h.watcher.Watching(guildID, userA))
			h.apply(x, xDeaf, 120)

			h.clock.Set(400)
			assert.Never(t, func() bool { return h.platform.moveCount() > 0 }, 100*time.Millisecond, tick)

			h.clock.Set(730)
			require.Eventually(t, func() bool { return h.platform.moveCount() == 1 }, time.Second, tick)
			require.Eventually(t, func() bool {
				_, open := h.ledger.Session(guildID, userA)
				return !open && h.allTime() == tt.credited
			}, time.Second, tick)

			assert.False(t, h.watcher.Watching(guildID, userA))
			ch, _ := h.platform.VoiceChannel(guildID, userA)
			assert.Equal(t, afkID, ch)

			// daily, weekly and all-time agree
			daily := h.ledger.TopN(guildID, voice.ViewDaily, 1, at(2000))
			weekly := h.ledger.TopN(guildID, voice.ViewWeekly, 1, at(2000))
			require.Len(t, daily, 1)
			require.Len(t, weekly, 1)
			assert.Equal(t, tt.credited, daily[0].Total)
			assert.Equal(t, tt.credited, weekly[0].Total)
		})
	}
}

func TestHandleJoinSwitchLeave(t *testing.T) {
	h := newHarness(t, false)
	x := VoiceState{ChannelID: channelX}
	y := VoiceState{ChannelID: channelY}

	h.apply(VoiceState{}, x, 0)
	h.apply(x, y, 60)
	session, open := h.ledger.Session(guildID, userA)
	require.True(t, open)
	assert.Equal(t, channelY, session.ChannelID)
	assert.True(t, h.watcher.Watching(guildID, userA))

	h.apply(y, VoiceState{}, 100)
	_, open = h.ledger.Session(guildID, userA)
	assert.False(t, open)
	assert.False(t, h.watcher.Watching(guildID, userA))
	assert.Equal(t, 100*time.Second, h.allTime())
	assert.Equal(t, 3, h.saver.count())
}

func TestHandleAFKChannelNotCounted(t *testing.T) {
	h := newHarness(t, false)
	x := VoiceState{ChannelID: channelX}
	parked := VoiceState{ChannelID: afkID}

	h.apply(VoiceState{}, parked, 0)
	_, open := h.ledger.Session(guildID, userA)
	assert.False(t, open)
	assert.False(t, h.watcher.Watching(guildID, userA))

	h.apply(parked, x, 500)
	assert.True(t, h.watcher.Watching(guildID, userA))
	h.apply(x, parked, 560)
	assert.False(t, h.watcher.Watching(guildID, userA))
	h.apply(parked, VoiceState{}, 900)

	assert.Equal(t, 60*time.Second, h.allTime())
}

func TestHandleToggles(t *testing.T) {
	h := newHarness(t, false)
	x := VoiceState{ChannelID: channelX}
	muted := VoiceState{ChannelID: channelX, SelfMute: true}

	h.apply(VoiceState{}, x, 0)
	h.apply(x, muted, 50)
	_, open := h.ledger.Session(guildID, userA)
	assert.False(t, open)

	h.apply(muted, x, 80)
	_, open = h.ledger.Session(guildID, userA)
	assert.True(t, open)
	assert.Equal(t, 50*time.Second+20*time.Second, h.ledger.QueryLive(guildID, userA, at(100)))
}

func TestHandleNoAFKChannelConfigured(t *testing.T) {
	h := newHarness(t, false)
	h.settings.Update(guildID, func(gs *models.GuildSettings) { gs.AFKChannelID = "" })

	h.apply(VoiceState{}, VoiceState{ChannelID: channelX, SelfDeaf: true}, 0)
	assert.False(t, h.watcher.Watching(guildID, userA))

	h.clock.Set(2000)
	assert.Never(t, func() bool { return h.platform.moveCount() > 0 }, 50*time.Millisecond, tick)
}

func TestPersistRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, false)
	h.saver.fail = true

	h.apply(VoiceState{}, VoiceState{ChannelID: channelX}, 0)
	assert.Zero(t, h.saver.count())
	_, open := h.ledger.Session(guildID, userA)
	assert.True(t, open, "in-memory state advances without the store")

	h.saver.mu.Lock()
	h.saver.fail = false
	h.saver.mu.Unlock()

	h.apply(VoiceState{ChannelID: channelX}, VoiceState{}, 30)
	require.Equal(t, 1, h.saver.count())
	assert.Equal(t, 30*time.Second, h.saver.last.Voice.AllTime[guildID][0].Total)
	assert.Equal(t, afkID, h.saver.last.GuildSettings[guildID].AFKChannelID)
}

func TestPersistConcurrent(t *testing.T) {
	h := newHarness(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.tracker.Persist(context.Background())
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, h.saver.count(), 1)
	assert.LessOrEqual(t, h.saver.count(), 20)
}

func TestSeed(t *testing.T) {
	h := newHarness(t, false)

	n := h.tracker.Seed(context.Background(), guildID, []Member{
		{UserID: userA, DisplayName: "Alice", State: VoiceState{ChannelID: channelX}},
		{UserID: "user-b", DisplayName: "Bob", State: VoiceState{ChannelID: afkID}},
		{UserID: "user-c", DisplayName: "Carol"},
	}, at(0))

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.ledger.OpenSessions(guildID))
	assert.True(t, h.watcher.Watching(guildID, userA))
	assert.False(t, h.watcher.Watching(guildID, "user-b"))
	assert.Equal(t, 1, h.saver.count())
}

func TestRestoreAndShutdown(t *testing.T) {
	h := newHarness(t, false)
	h.saver.stored = models.State{
		Voice: models.VoiceSnapshot{
			AllTime: map[string][]models.AllTimeRecord{guildID: {{UserID: userA, Total: time.Hour}}},
		},
		GuildSettings: map[string]models.GuildSettings{guildID: {WelcomeChannelID: "welcome"}},
	}
	require.NoError(t, h.tracker.Restore(context.Background()))

	assert.Equal(t, time.Hour, h.allTime())
	assert.Equal(t, "welcome", h.settings.Get(guildID).WelcomeChannelID)
	assert.Equal(t, afkID, h.settings.AFKChannelID(guildID))

	h.apply(VoiceState{}, VoiceState{ChannelID: channelX}, 0)
	h.tracker.Shutdown(context.Background(), at(60))

	assert.Equal(t, time.Hour+time.Minute, h.allTime())
	assert.Equal(t, 0, h.ledger.OpenSessions(guildID))
}
