// Package rooms spawns private voice rooms from template channels and
// removes them once they empty out.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"voicekeeper/internal/models"
	"voicekeeper/pkg/utils"
)

// DefaultGrace is how long an empty room survives before deletion
const DefaultGrace = 5 * time.Second

const maxChannelName = 100

// ErrChannelNotFound is returned by a ChannelService for deleted channels
var ErrChannelNotFound = errors.New("channel not found")

// ChannelService performs the platform side of room management
type ChannelService interface {
	CreateVoiceChannel(ctx context.Context, guildID, templateChannelID, name string, userLimit int) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	MoveMember(ctx context.Context, guildID, userID, channelID string) error
	// ChannelMembers reports how many members are connected and whether
	// the channel still exists
	ChannelMembers(guildID, channelID string) (int, bool)
}

// TemplateLookup resolves a channel to its template, if it is one
type TemplateLookup func(guildID, channelID string) (string, models.TemplateChannel, bool)

// Stats summarises room creation for a guild
type Stats struct {
	TotalCreated int
	Active       int
	Top          []models.ChannelStats
}

type guildStats struct {
	order []string
	users map[string]*models.ChannelStats
}

// Manager tracks rooms it created
type Manager struct {
	mu       sync.Mutex
	rooms    map[string]models.CreatedRoom
	stats    map[string]*guildStats
	onChange func()

	svc       ChannelService
	templates TemplateLookup
	grace     time.Duration
	now       func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   conc.WaitGroup
	log  *zap.Logger
}

// NewManager creates a room manager
func NewManager(svc ChannelService, templates TemplateLookup, grace time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		rooms:     make(map[string]models.CreatedRoom),
		stats:     make(map[string]*guildStats),
		svc:       svc,
		templates: templates,
		grace:     grace,
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
		log:       log,
	}
}

// SetOnChange registers a callback run after asynchronous changes
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// IsRoom reports whether channelID was created by the manager
func (m *Manager) IsRoom(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[channelID]
	return ok
}

// OnJoin creates a room when channelID is a template and moves the member
// into it. It returns the new channel ID, or "" when channelID is not a
// template.
func (m *Manager) OnJoin(ctx context.Context, guildID, userID, displayName, channelID string) (string, error) {
	name, tpl, ok := m.templates(guildID, channelID)
	if !ok {
		return "", nil
	}

	roomName := utils.TruncateString(fmt.Sprintf("%s | %s", name, displayName), maxChannelName)
	roomID, err := m.svc.CreateVoiceChannel(ctx, guildID, channelID, roomName, tpl.UserLimit)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}

	m.mu.Lock()
	m.rooms[roomID] = models.CreatedRoom{
		ChannelID: roomID,
		GuildID:   guildID,
		OwnerID:   userID,
		Template:  name,
		CreatedAt: m.now().UTC(),
	}
	m.countLocked(guildID, userID, displayName, name)
	m.mu.Unlock()

	if err := m.svc.MoveMember(ctx, guildID, userID, roomID); err != nil {
		m.log.Warn("Failed to move member into new room",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("channel_id", roomID),
			zap.Error(err))
		m.ScheduleCheck(guildID, roomID)
		return roomID, fmt.Errorf("failed to move member: %w", err)
	}

	m.log.Info("Created room",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("channel_id", roomID),
		zap.String("name", roomName))
	return roomID, nil
}

func (m *Manager) countLocked(guildID, userID, displayName, template string) {
	gs, ok := m.stats[guildID]
	if !ok {
		gs = &guildStats{users: make(map[string]*models.ChannelStats)}
		m.stats[guildID] = gs
	}
	cs, ok := gs.users[userID]
	if !ok {
		cs = &models.ChannelStats{UserID: userID, Counts: make(map[string]int)}
		gs.users[userID] = cs
		gs.order = append(gs.order, userID)
	}
	if displayName != "" {
		cs.DisplayName = displayName
	}
	cs.Counts[template]++
}

// ScheduleCheck deletes the room after the grace period if it is empty
func (m *Manager) ScheduleCheck(guildID, channelID string) {
	if !m.IsRoom(channelID) {
		return
	}
	m.wg.Go(func() {
		timer := time.NewTimer(m.grace)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}
		if m.removeIfEmpty(m.ctx, guildID, channelID) {
			m.notify()
		}
	})
}

func (m *Manager) removeIfEmpty(ctx context.Context, guildID, channelID string) bool {
	members, exists := m.svc.ChannelMembers(guildID, channelID)
	if exists && members > 0 {
		return false
	}
	log := m.log.With(zap.String("guild_id", guildID), zap.String("channel_id", channelID))

	if exists {
		if err := m.svc.DeleteChannel(ctx, channelID); err != nil && !errors.Is(err, ErrChannelNotFound) {
			log.Warn("Failed to delete empty room", zap.Error(err))
			return false
		}
		log.Info("Deleted empty room")
	}

	m.mu.Lock()
	_, tracked := m.rooms[channelID]
	delete(m.rooms, channelID)
	m.mu.Unlock()
	return tracked
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cleanup removes every tracked room that is empty or gone
func (m *Manager) Cleanup(ctx context.Context) int {
	m.mu.Lock()
	rooms := make([]models.CreatedRoom, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	cleaned := 0
	for _, r := range rooms {
		if m.removeIfEmpty(ctx, r.GuildID, r.ChannelID) {
			cleaned++
		}
	}
	return cleaned
}

// Stats returns the guild's room statistics with the top creators first
func (m *Manager) Stats(guildID string, top int) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Stats
	for _, r := range m.rooms {
		if r.GuildID == guildID {
			out.Active++
		}
	}
	gs, ok := m.stats[guildID]
	if !ok {
		return out
	}
	users := make([]models.ChannelStats, 0, len(gs.order))
	for _, id := range gs.order {
		cs := *gs.users[id]
		out.TotalCreated += cs.Total()
		users = append(users, cs)
	}
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].Total() > users[j].Total()
	})
	if len(users) > top {
		users = users[:top]
	}
	out.Top = users
	return out
}

// Snapshot copies the tracked rooms and statistics
func (m *Manager) Snapshot() (map[string]models.CreatedRoom, map[string][]models.ChannelStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make(map[string]models.CreatedRoom, len(m.rooms))
	for id, r := range m.rooms {
		rooms[id] = r
	}
	stats := make(map[string][]models.ChannelStats, len(m.stats))
	for guildID, gs := range m.stats {
		list := make([]models.ChannelStats, 0, len(gs.order))
		for _, id := range gs.order {
			cs := *gs.users[id]
			counts := make(map[string]int, len(cs.Counts))
			for k, v := range cs.Counts {
				counts[k] = v
			}
			cs.Counts = counts
			list = append(list, cs)
		}
		stats[guildID] = list
	}
	return rooms, stats
}

// Restore replaces the tracked rooms and statistics
func (m *Manager) Restore(rooms map[string]models.CreatedRoom, stats map[string][]models.ChannelStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms = make(map[string]models.CreatedRoom, len(rooms))
	for id, r := range rooms {
		m.rooms[id] = r
	}
	m.stats = make(map[string]*guildStats, len(stats))
	for guildID, list := range stats {
		gs := &guildStats{users: make(map[string]*models.ChannelStats, len(list))}
		for _, cs := range list {
			c := cs
			if c.Counts == nil {
				c.Counts = make(map[string]int)
			}
			gs.users[c.UserID] = &c
			gs.order = append(gs.order, c.UserID)
		}
		m.stats[guildID] = gs
	}
}

// Close cancels pending deletions and waits for them
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}
