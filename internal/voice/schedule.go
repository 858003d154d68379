package voice

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NextMidnightUTC returns the first 00:00 UTC strictly after now
func NextMidnightUTC(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, time.UTC)
}

// ParseWeekday accepts full or three-letter English weekday names
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Monday, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return time.Monday, false
}

// Scheduler fires the daily and weekly rollovers at 00:00 UTC. It computes
// the next boundary and sleeps until it rather than polling.
type Scheduler struct {
	ledger   *Ledger
	roller   *Roller
	resetDay func(guildID string) time.Weekday
	after    func(ctx context.Context)
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool
	log      *zap.Logger
}

// NewScheduler creates a scheduler. resetDay reports the weekday on which a
// guild's weekly view rolls over; nil means Monday for every guild. after,
// if set, runs once each boundary has been processed.
func NewScheduler(ledger *Ledger, roller *Roller, resetDay func(guildID string) time.Weekday, after func(ctx context.Context), log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if resetDay == nil {
		resetDay = func(string) time.Weekday { return time.Monday }
	}
	return &Scheduler{
		ledger:   ledger,
		roller:   roller,
		resetDay: resetDay,
		after:    after,
		now:      time.Now,
		sleep:    sleepContext,
		log:      log,
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := NextMidnightUTC(s.now())
		wait := next.Sub(s.now())
		s.log.Debug("Next rollover scheduled", zap.Time("at", next), zap.Duration("in", wait))
		if !s.sleep(ctx, wait) {
			return
		}
		s.Boundary(ctx, next)
	}
}

// Boundary performs the rollovers due at the given midnight
func (s *Scheduler) Boundary(ctx context.Context, boundary time.Time) {
	boundary = boundary.UTC()
	s.ledger.RolloverDaily(boundary)

	weekday := boundary.Weekday()
	results := s.roller.RolloverWeekly(ctx, func(guildID string) bool {
		return s.resetDay(guildID) == weekday
	})
	if len(results) > 0 {
		s.log.Info("Weekly rollover completed", zap.Int("guilds", len(results)), zap.Stringer("weekday", weekday))
	}

	if s.after != nil {
		s.after(ctx)
	}
}
