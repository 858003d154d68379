package voice

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"voicekeeper/internal/models"
)

// View selects one of the aggregate views
type View int

const (
	ViewDaily View = iota
	ViewWeekly
	ViewAllTime
)

// ErrUnknownView is returned by ParseView for unrecognised names
var ErrUnknownView = errors.New("unknown leaderboard view")

func (v View) String() string {
	switch v {
	case ViewDaily:
		return "daily"
	case ViewWeekly:
		return "weekly"
	case ViewAllTime:
		return "alltime"
	default:
		return fmt.Sprintf("view(%d)", int(v))
	}
}

// ParseView maps command arguments to a view. An empty string means daily.
func ParseView(s string) (View, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "daily", "today":
		return ViewDaily, nil
	case "weekly", "week":
		return ViewWeekly, nil
	case "alltime", "all", "all-time":
		return ViewAllTime, nil
	}
	return ViewDaily, fmt.Errorf("%w: %q", ErrUnknownView, s)
}

// TopN returns up to n users of a guild ordered by total, highest first.
// Ties keep first-seen order. The daily view includes open sessions up to
// now. Users with nothing recorded are left out, so an idle guild yields an
// empty result.
func (l *Ledger) TopN(guildID string, view View, n int, now time.Time) []models.LeaderboardEntry {
	now = now.UTC()

	l.mu.Lock()
	g, ok := l.guilds[guildID]
	if !ok || n <= 0 {
		l.mu.Unlock()
		return []models.LeaderboardEntry{}
	}
	entries := make([]models.LeaderboardEntry, 0, len(g.order))
	for _, userID := range g.order {
		u := g.users[userID]
		var total time.Duration
		switch view {
		case ViewDaily:
			total = liveToday(u, now)
		case ViewWeekly:
			total = models.WeeklyRecord{Buckets: u.weekly}.Total()
		case ViewAllTime:
			total = u.allTime
		}
		if total <= 0 {
			continue
		}
		entries = append(entries, models.LeaderboardEntry{
			UserID:      userID,
			DisplayName: u.name,
			Total:       total,
		})
	}
	l.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Total > entries[j].Total
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// TakeWeeklyChampion computes the guild's top weekly user and clears the
// weekly buckets in the same critical section. ok is false when nobody
// recorded time this week; the buckets are cleared regardless.
func (l *Ledger) TakeWeeklyChampion(guildID string) (champion models.LeaderboardEntry, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, exists := l.guilds[guildID]
	if !exists {
		return models.LeaderboardEntry{}, false
	}
	for _, userID := range g.order {
		u := g.users[userID]
		total := models.WeeklyRecord{Buckets: u.weekly}.Total()
		if total > champion.Total {
			champion = models.LeaderboardEntry{UserID: userID, DisplayName: u.name, Total: total}
			ok = true
		}
		u.weekly = [7]time.Duration{}
	}
	l.version++
	return champion, ok
}
