package voice

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"voicekeeper/internal/models"
)

// RoleAwarder moves the weekly champion role to a guild member
type RoleAwarder interface {
	AwardChampion(ctx context.Context, guildID, userID string) error
}

// ChampionAnnouncer publishes the weekly champion
type ChampionAnnouncer interface {
	AnnounceChampion(ctx context.Context, guildID string, champion models.LeaderboardEntry) error
}

// WeeklyResult describes the weekly rollover of a single guild
type WeeklyResult struct {
	GuildID     string
	Champion    models.LeaderboardEntry
	HasChampion bool
	AwardErr    error
	AnnounceErr error
}

// Roller runs the weekly rollover across guilds
type Roller struct {
	ledger    *Ledger
	awarder   RoleAwarder
	announcer ChampionAnnouncer
	workers   int
	log       *zap.Logger
}

// NewRoller creates a weekly roller. awarder and announcer may be nil.
func NewRoller(ledger *Ledger, awarder RoleAwarder, announcer ChampionAnnouncer, log *zap.Logger) *Roller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Roller{
		ledger:    ledger,
		awarder:   awarder,
		announcer: announcer,
		workers:   4,
		log:       log,
	}
}

// RolloverWeekly computes and clears the weekly view of every guild for
// which due returns true (all guilds when due is nil), then awards and
// announces champions. Award and announce failures are logged and never
// stop other guilds; the buckets are already cleared by then.
func (r *Roller) RolloverWeekly(ctx context.Context, due func(guildID string) bool) []WeeklyResult {
	var pending []WeeklyResult
	for _, guildID := range r.ledger.Guilds() {
		if due != nil && !due(guildID) {
			continue
		}
		champion, ok := r.ledger.TakeWeeklyChampion(guildID)
		pending = append(pending, WeeklyResult{GuildID: guildID, Champion: champion, HasChampion: ok})
	}

	p := pool.NewWithResults[WeeklyResult]().WithMaxGoroutines(r.workers)
	for _, res := range pending {
		res := res
		p.Go(func() WeeklyResult {
			return r.publish(ctx, res)
		})
	}
	results := p.Wait()

	r.log.Info("Weekly voice activity reset", zap.Int("guilds", len(results)))
	return results
}

func (r *Roller) publish(ctx context.Context, res WeeklyResult) WeeklyResult {
	if !res.HasChampion {
		return res
	}
	if r.awarder != nil {
		if err := r.awarder.AwardChampion(ctx, res.GuildID, res.Champion.UserID); err != nil {
			res.AwardErr = err
			r.log.Warn("Failed to award weekly champion role",
				zap.String("guild_id", res.GuildID),
				zap.String("user_id", res.Champion.UserID),
				zap.Error(err))
		}
	}
	if r.announcer != nil {
		if err := r.announcer.AnnounceChampion(ctx, res.GuildID, res.Champion); err != nil {
			res.AnnounceErr = err
			r.log.Warn("Failed to announce weekly champion",
				zap.String("guild_id", res.GuildID),
				zap.Error(err))
		}
	}
	return res
}
