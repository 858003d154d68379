// Package voice keeps per-guild voice sessions and the daily, weekly and
// all-time aggregates derived from them.
package voice

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"voicekeeper/internal/models"
)

// Ledger maintains at most one open session per guild and user and credits
// every closed session to the three aggregate views with the same elapsed
// value. All instants are normalised to UTC when they enter the ledger.
type Ledger struct {
	mu      sync.Mutex
	guilds  map[string]*guildLedger
	version uint64
	log     *zap.Logger
}

type guildLedger struct {
	order []string // first-seen user order, used to break ties
	users map[string]*userRecord
}

type userRecord struct {
	name    string
	today   time.Duration
	weekly  [7]time.Duration
	allTime time.Duration
	session *models.VoiceSession
}

// NewLedger creates an empty ledger
func NewLedger(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		guilds: make(map[string]*guildLedger),
		log:    log,
	}
}

// WeekdayIndex maps an instant to its weekly bucket, Monday=0 .. Sunday=6 (UTC)
func WeekdayIndex(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}

func (l *Ledger) guild(guildID string) *guildLedger {
	g, ok := l.guilds[guildID]
	if !ok {
		g = &guildLedger{users: make(map[string]*userRecord)}
		l.guilds[guildID] = g
	}
	return g
}

func (l *Ledger) user(guildID, userID string) *userRecord {
	g := l.guild(guildID)
	u, ok := g.users[userID]
	if !ok {
		u = &userRecord{}
		g.users[userID] = u
		g.order = append(g.order, userID)
	}
	return u
}

func (l *Ledger) lookup(guildID, userID string) *userRecord {
	g, ok := l.guilds[guildID]
	if !ok {
		return nil
	}
	return g.users[userID]
}

// OnJoin opens a session at `at` when eligible. A session that is still open
// is closed at `at` first so the overlap is never counted twice.
func (l *Ledger) OnJoin(guildID, userID, displayName, channelID string, at time.Time, eligible bool) {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.user(guildID, userID)
	if displayName != "" {
		u.name = displayName
	}
	if u.session != nil {
		l.log.Debug("Join with open session, closing stale session",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("stale_channel_id", u.session.ChannelID))
		l.closeLocked(guildID, userID, u, at)
	}
	if eligible {
		u.session = &models.VoiceSession{Start: at, ChannelID: channelID}
	}
	l.version++
}

// OnClose closes the open session and returns the elapsed time credited.
// Closing without an open session is a no-op.
func (l *Ledger) OnClose(guildID, userID string, at time.Time) time.Duration {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.lookup(guildID, userID)
	if u == nil || u.session == nil {
		return 0
	}
	elapsed := l.closeLocked(guildID, userID, u, at)
	l.version++
	return elapsed
}

// OnChannelSwitch closes the session in `from` and joins `to` at the same
// instant.
func (l *Ledger) OnChannelSwitch(guildID, userID, displayName, from, to string, at time.Time, eligibleAfter bool) {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.user(guildID, userID)
	if displayName != "" {
		u.name = displayName
	}
	if u.session != nil {
		l.closeLocked(guildID, userID, u, at)
	}
	if eligibleAfter {
		u.session = &models.VoiceSession{Start: at, ChannelID: to}
	}
	l.log.Debug("Channel switch",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("from", from),
		zap.String("to", to),
		zap.Bool("eligible", eligibleAfter))
	l.version++
}

// SetEligible applies an in-place state toggle (deafen, mute) without a
// channel change. An eligible user with no open session gets one; an
// ineligible user has theirs closed at `at`.
func (l *Ledger) SetEligible(guildID, userID, displayName, channelID string, at time.Time, eligible bool) {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.user(guildID, userID)
	if displayName != "" {
		u.name = displayName
	}
	switch {
	case u.session != nil && !eligible:
		l.closeLocked(guildID, userID, u, at)
	case u.session == nil && eligible:
		u.session = &models.VoiceSession{Start: at, ChannelID: channelID}
	default:
		return
	}
	l.version++
}

// closeLocked credits the open session to all three views, filing the
// weekly part under the weekday of `at`. Caller holds mu.
func (l *Ledger) closeLocked(guildID, userID string, u *userRecord, at time.Time) time.Duration {
	return l.creditLocked(guildID, userID, u, at, WeekdayIndex(at))
}

func (l *Ledger) creditLocked(guildID, userID string, u *userRecord, at time.Time, bucket int) time.Duration {
	elapsed := at.Sub(u.session.Start)
	if elapsed < 0 {
		l.log.Debug("Negative session duration clamped",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.Time("start", u.session.Start),
			zap.Time("at", at))
		elapsed = 0
	}
	u.today += elapsed
	u.weekly[bucket] += elapsed
	u.allTime += elapsed
	u.session = nil
	return elapsed
}

// QueryLive returns today's total including the open session up to now
func (l *Ledger) QueryLive(guildID, userID string, now time.Time) time.Duration {
	now = now.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.lookup(guildID, userID)
	if u == nil {
		return 0
	}
	return liveToday(u, now)
}

func liveToday(u *userRecord, now time.Time) time.Duration {
	total := u.today
	if u.session != nil {
		if d := now.Sub(u.session.Start); d > 0 {
			total += d
		}
	}
	return total
}

// Totals is one user's standing across the three views
type Totals struct {
	Today   time.Duration
	Week    time.Duration
	AllTime time.Duration
	Open    bool
}

// UserTotals reports a user's totals. Today includes the open session; the
// weekly and all-time views only hold closed sessions.
func (l *Ledger) UserTotals(guildID, userID string, now time.Time) Totals {
	now = now.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.lookup(guildID, userID)
	if u == nil {
		return Totals{}
	}
	return Totals{
		Today:   liveToday(u, now),
		Week:    models.WeeklyRecord{Buckets: u.weekly}.Total(),
		AllTime: u.allTime,
		Open:    u.session != nil,
	}
}

// Session returns a copy of the user's open session, if any
func (l *Ledger) Session(guildID, userID string) (models.VoiceSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.lookup(guildID, userID)
	if u == nil || u.session == nil {
		return models.VoiceSession{}, false
	}
	return *u.session, true
}

// OpenSessions counts open sessions in a guild
func (l *Ledger) OpenSessions(guildID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.guilds[guildID]
	if !ok {
		return 0
	}
	n := 0
	for _, u := range g.users {
		if u.session != nil {
			n++
		}
	}
	return n
}

// RolloverDaily clears the daily view of every guild. Open sessions are
// split at `at`: the part before the boundary is credited once, to the
// weekday that just ended, and the session continues from the boundary.
// Safe to call repeatedly.
func (l *Ledger) RolloverDaily(at time.Time) {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	ended := WeekdayIndex(at.Add(-time.Nanosecond))
	for guildID, g := range l.guilds {
		for _, userID := range g.order {
			u := g.users[userID]
			if u.session != nil {
				channelID := u.session.ChannelID
				l.creditLocked(guildID, userID, u, at, ended)
				u.session = &models.VoiceSession{Start: at, ChannelID: channelID}
			}
			u.today = 0
		}
	}
	l.version++
	l.log.Info("Daily voice activity reset", zap.Int("guilds", len(l.guilds)))
}

// CloseAll closes every open session at `at`
func (l *Ledger) CloseAll(at time.Time) int {
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	closed := 0
	for guildID, g := range l.guilds {
		for userID, u := range g.users {
			if u.session != nil {
				l.closeLocked(guildID, userID, u, at)
				closed++
			}
		}
	}
	if closed > 0 {
		l.version++
	}
	return closed
}

// Guilds lists guilds with recorded activity
func (l *Ledger) Guilds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.guilds))
	for id := range l.guilds {
		ids = append(ids, id)
	}
	return ids
}

// Version increases on every mutation
func (l *Ledger) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Snapshot copies the ledger state along with its version
func (l *Ledger) Snapshot() (models.VoiceSnapshot, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := models.VoiceSnapshot{
		Daily:   make(map[string][]models.DailyRecord, len(l.guilds)),
		Weekly:  make(map[string][]models.WeeklyRecord, len(l.guilds)),
		AllTime: make(map[string][]models.AllTimeRecord, len(l.guilds)),
	}
	for guildID, g := range l.guilds {
		daily := make([]models.DailyRecord, 0, len(g.order))
		weekly := make([]models.WeeklyRecord, 0, len(g.order))
		allTime := make([]models.AllTimeRecord, 0, len(g.order))
		for _, userID := range g.order {
			u := g.users[userID]
			rec := models.DailyRecord{UserID: userID, DisplayName: u.name, Today: u.today}
			if u.session != nil {
				s := *u.session
				rec.Session = &s
				rec.ChannelID = s.ChannelID
			}
			daily = append(daily, rec)
			weekly = append(weekly, models.WeeklyRecord{UserID: userID, Buckets: u.weekly})
			allTime = append(allTime, models.AllTimeRecord{UserID: userID, Total: u.allTime})
		}
		snap.Daily[guildID] = daily
		snap.Weekly[guildID] = weekly
		snap.AllTime[guildID] = allTime
	}
	return snap, l.version
}

// Restore replaces the ledger state with a snapshot. Open sessions from the
// snapshot are dropped; members still connected are re-seeded from the
// platform on startup.
func (l *Ledger) Restore(snap models.VoiceSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.guilds = make(map[string]*guildLedger)
	dropped := 0
	for guildID, records := range snap.Daily {
		for _, rec := range records {
			u := l.user(guildID, rec.UserID)
			u.name = rec.DisplayName
			u.today = rec.Today
			if rec.Session != nil {
				dropped++
			}
		}
	}
	for guildID, records := range snap.Weekly {
		for _, rec := range records {
			l.user(guildID, rec.UserID).weekly = rec.Buckets
		}
	}
	for guildID, records := range snap.AllTime {
		for _, rec := range records {
			l.user(guildID, rec.UserID).allTime = rec.Total
		}
	}
	l.version++
	l.log.Info("Voice ledger restored",
		zap.Int("guilds", len(l.guilds)),
		zap.Int("dropped_sessions", dropped))
}
