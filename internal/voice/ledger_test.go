package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	guildID = "guild-1"
	userA   = "user-a"
	userB   = "user-b"
	userC   = "user-c"
)

// 2024-01-03 is a Wednesday
var t0 = time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewLedger(log)
}

func allTime(l *Ledger, guildID, userID string) time.Duration {
	snap, _ := l.Snapshot()
	for _, rec := range snap.AllTime[guildID] {
		if rec.UserID == userID {
			return rec.Total
		}
	}
	return 0
}

func weekly(l *Ledger, guildID, userID string) [7]time.Duration {
	snap, _ := l.Snapshot()
	for _, rec := range snap.Weekly[guildID] {
		if rec.UserID == userID {
			return rec.Buckets
		}
	}
	return [7]time.Duration{}
}

func TestLedgerNoDoubleCounting(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.SetEligible(guildID, userA, "Alice", "x", at(100), false) // deafen
	l.SetEligible(guildID, userA, "Alice", "x", at(120), false) // mute while deafened
	l.SetEligible(guildID, userA, "Alice", "x", at(150), true)  // undeafen and unmute
	l.OnChannelSwitch(guildID, userA, "Alice", "x", "y", at(300), true)
	l.OnChannelSwitch(guildID, userA, "Alice", "y", "afk", at(400), false)
	l.OnChannelSwitch(guildID, userA, "Alice", "afk", "y", at(500), true)
	l.OnClose(guildID, userA, at(600))

	// eligible windows: 0-100, 150-300, 300-400, 500-600
	assert.Equal(t, 450*time.Second, allTime(l, guildID, userA))
	assert.Equal(t, 450*time.Second, l.QueryLive(guildID, userA, at(900)))
}

func TestLedgerSingleOpenSession(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.OnJoin(guildID, userA, "Alice", "y", at(60), true)
	assert.Equal(t, 1, l.OpenSessions(guildID))

	session, ok := l.Session(guildID, userA)
	require.True(t, ok)
	assert.Equal(t, "y", session.ChannelID)
	assert.Equal(t, at(60), session.Start)

	// the stale session was credited once
	assert.Equal(t, 60*time.Second, allTime(l, guildID, userA))

	l.OnClose(guildID, userA, at(90))
	assert.Equal(t, 0, l.OpenSessions(guildID))
	assert.Equal(t, 90*time.Second, allTime(l, guildID, userA))
}

func TestLedgerJoinIneligible(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(0), false)
	_, ok := l.Session(guildID, userA)
	assert.False(t, ok)

	assert.Zero(t, l.OnClose(guildID, userA, at(100)))
	assert.Zero(t, allTime(l, guildID, userA))
}

func TestLedgerViewsReceiveSameElapsed(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	elapsed := l.OnClose(guildID, userA, at(125))
	require.Equal(t, 125*time.Second, elapsed)

	buckets := weekly(l, guildID, userA)
	assert.Equal(t, elapsed, l.QueryLive(guildID, userA, at(200)))
	assert.Equal(t, elapsed, buckets[WeekdayIndex(t0)])
	assert.Equal(t, elapsed, allTime(l, guildID, userA))
	assert.Equal(t, 2, WeekdayIndex(t0))

	var sum time.Duration
	for _, b := range buckets {
		sum += b
	}
	assert.Equal(t, elapsed, sum)
}

func TestLedgerNormalisesZones(t *testing.T) {
	l := newTestLedger(t)
	est := time.FixedZone("UTC-5", -5*3600)

	// Sunday 23:30 at UTC-5 is Monday 04:30 UTC
	start := time.Date(2024, time.January, 7, 23, 30, 0, 0, est)
	l.OnJoin(guildID, userA, "Alice", "x", start, true)
	elapsed := l.OnClose(guildID, userA, start.UTC().Add(10*time.Minute))

	assert.Equal(t, 10*time.Minute, elapsed)
	assert.Equal(t, 10*time.Minute, weekly(l, guildID, userA)[0])

	_, ok := l.Session(guildID, userA)
	assert.False(t, ok)
}

func TestLedgerQueryLive(t *testing.T) {
	l := newTestLedger(t)

	assert.Zero(t, l.QueryLive(guildID, userA, at(0)))

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.OnClose(guildID, userA, at(30))
	assert.Equal(t, 30*time.Second, l.QueryLive(guildID, userA, at(500)))

	l.OnJoin(guildID, userA, "Alice", "x", at(100), true)
	assert.Equal(t, 30*time.Second+45*time.Second, l.QueryLive(guildID, userA, at(145)))
	assert.Equal(t, 30*time.Second, l.QueryLive(guildID, userA, at(100)))
}

func TestLedgerNegativeElapsedClamped(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(100), true)
	elapsed := l.OnClose(guildID, userA, at(40))

	assert.Zero(t, elapsed)
	assert.Zero(t, allTime(l, guildID, userA))
	assert.Zero(t, l.QueryLive(guildID, userA, at(200)))
	_, open := l.Session(guildID, userA)
	assert.False(t, open)
}

func TestLedgerCloseWithoutSession(t *testing.T) {
	l := newTestLedger(t)

	before := l.Version()
	assert.Zero(t, l.OnClose(guildID, userA, at(10)))
	assert.Equal(t, before, l.Version())
}

func TestRolloverDailyIdempotent(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.OnClose(guildID, userA, at(300))
	l.OnJoin(guildID, userB, "Bob", "x", at(0), true)
	l.OnClose(guildID, userB, at(60))

	midnight := NextMidnightUTC(at(300))
	l.RolloverDaily(midnight)
	assert.Zero(t, l.QueryLive(guildID, userA, midnight))
	assert.Zero(t, l.QueryLive(guildID, userB, midnight))

	require.NotPanics(t, func() { l.RolloverDaily(midnight) })
	assert.Zero(t, l.QueryLive(guildID, userA, midnight))
	assert.Zero(t, l.QueryLive(guildID, userB, midnight))

	// all-time is untouched
	assert.Equal(t, 300*time.Second, allTime(l, guildID, userA))
}

func TestRolloverDailySplitsOpenSession(t *testing.T) {
	l := newTestLedger(t)

	midnight := NextMidnightUTC(t0)
	l.OnJoin(guildID, userA, "Alice", "x", midnight.Add(-10*time.Minute), true)
	l.RolloverDaily(midnight)

	assert.Equal(t, 10*time.Minute, allTime(l, guildID, userA))
	assert.Equal(t, 5*time.Minute, l.QueryLive(guildID, userA, midnight.Add(5*time.Minute)))

	l.OnClose(guildID, userA, midnight.Add(20*time.Minute))
	assert.Equal(t, 30*time.Minute, allTime(l, guildID, userA))
	assert.Equal(t, 20*time.Minute, l.QueryLive(guildID, userA, midnight.Add(time.Hour)))
}

func TestRolloverDailyCreditsEndedWeekday(t *testing.T) {
	l := newTestLedger(t)

	sunday := time.Date(2024, time.January, 7, 23, 0, 0, 0, time.UTC)
	monday := NextMidnightUTC(sunday)
	require.Equal(t, time.Monday, monday.Weekday())

	l.OnJoin(guildID, userA, "Alice", "x", sunday, true)
	l.RolloverDaily(monday)
	l.OnClose(guildID, userA, monday.Add(30*time.Minute))

	snap, _ := l.Snapshot()
	require.Len(t, snap.Weekly[guildID], 1)
	buckets := snap.Weekly[guildID][0].Buckets
	assert.Equal(t, time.Hour, buckets[WeekdayIndex(sunday)])
	assert.Equal(t, 30*time.Minute, buckets[WeekdayIndex(monday)])
}

func TestLedgerCloseAll(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.OnJoin("guild-2", userB, "Bob", "x", at(0), true)

	assert.Equal(t, 2, l.CloseAll(at(60)))
	assert.Equal(t, 0, l.OpenSessions(guildID))
	assert.Equal(t, 60*time.Second, allTime(l, "guild-2", userB))
}

func TestLedgerSnapshotRestore(t *testing.T) {
	l := newTestLedger(t)

	l.OnJoin(guildID, userC, "Carol", "x", at(0), true)
	l.OnClose(guildID, userC, at(50))
	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.OnClose(guildID, userA, at(200))
	l.OnJoin(guildID, userB, "Bob", "x", at(0), true)

	snap, version := l.Snapshot()
	assert.NotZero(t, version)
	require.Len(t, snap.Daily[guildID], 3)
	assert.Equal(t, []string{userC, userA, userB}, []string{
		snap.Daily[guildID][0].UserID,
		snap.Daily[guildID][1].UserID,
		snap.Daily[guildID][2].UserID,
	})
	require.NotNil(t, snap.Daily[guildID][2].Session)

	restored := newTestLedger(t)
	restored.Restore(snap)

	assert.Equal(t, 200*time.Second, restored.QueryLive(guildID, userA, at(1000)))
	assert.Equal(t, 0, restored.OpenSessions(guildID))

	resnap, _ := restored.Snapshot()
	assert.Equal(t, snap.AllTime, resnap.AllTime)
	assert.Equal(t, snap.Weekly, resnap.Weekly)
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name      string
		channel   string
		afk       string
		deaf      bool
		mute      bool
		countIdle bool
		want      bool
	}{
		{name: "active", channel: "x", afk: "afk", want: true},
		{name: "not connected", channel: "", afk: "afk", want: false},
		{name: "in afk channel", channel: "afk", afk: "afk", want: false},
		{name: "deafened", channel: "x", afk: "afk", deaf: true, want: false},
		{name: "muted", channel: "x", afk: "afk", mute: true, want: false},
		{name: "no afk configured", channel: "x", want: true},
		{name: "deafened counting idle", channel: "x", afk: "afk", deaf: true, countIdle: true, want: true},
		{name: "afk channel counting idle", channel: "afk", afk: "afk", countIdle: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.channel, tt.afk, tt.deaf, tt.mute, tt.countIdle))
		})
	}
}

func TestWeekdayIndex(t *testing.T) {
	monday := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		assert.Equal(t, i, WeekdayIndex(monday.AddDate(0, 0, i)))
	}
}

func TestLedgerUserTotals(t *testing.T) {
	l := newTestLedger(t)

	assert.Zero(t, l.UserTotals(guildID, userA, at(0)))

	l.OnJoin(guildID, userA, "Alice", "x", at(0), true)
	l.OnClose(guildID, userA, at(100))
	l.OnJoin(guildID, userA, "Alice", "x", at(200), true)

	got := l.UserTotals(guildID, userA, at(230))
	assert.Equal(t, Totals{Today: 130 * time.Second, Week: 100 * time.Second, AllTime: 100 * time.Second, Open: true}, got)
}
