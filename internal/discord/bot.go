package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"voicekeeper/internal/afk"
	"voicekeeper/internal/rooms"
	"voicekeeper/internal/settings"
	"voicekeeper/internal/tracker"
	"voicekeeper/internal/voice"
)

// NewSession creates a discordgo session with the intents the bot needs
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	session.State.TrackVoice = true
	session.State.TrackMembers = true
	// handlers run on the gateway loop so one member's voice updates are
	// applied in the order they arrive
	session.SyncEvents = true

	return session, nil
}

// Deps are the components the bot dispatches to
type Deps struct {
	Tracker   *tracker.Tracker
	Ledger    *voice.Ledger
	Watcher   *afk.Watcher
	Settings  *settings.Store
	Rooms     *rooms.Manager
	Scheduler *voice.Scheduler
	Prefix    string
}

// Bot represents the Discord bot
type Bot struct {
	session   *discordgo.Session
	tracker   *tracker.Tracker
	ledger    *voice.Ledger
	watcher   *afk.Watcher
	settings  *settings.Store
	rooms     *rooms.Manager
	scheduler *voice.Scheduler
	prefix    string
	started   time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	readyOnce sync.Once
	wg        conc.WaitGroup
	log       *zap.Logger

	// stopMu is held for reading by handlers that mutate state; Stop takes
	// it for writing so no handler runs after the final save
	stopMu  sync.RWMutex
	stopped bool
}

// New creates a new Discord bot on an existing session
func New(session *discordgo.Session, deps Deps, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Prefix == "" {
		deps.Prefix = "!"
	}
	ctx, cancel := context.WithCancel(context.Background())

	bot := &Bot{
		session:   session,
		tracker:   deps.Tracker,
		ledger:    deps.Ledger,
		watcher:   deps.Watcher,
		settings:  deps.Settings,
		rooms:     deps.Rooms,
		scheduler: deps.Scheduler,
		prefix:    deps.Prefix,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}

	// Add event handlers
	session.AddHandler(bot.ready)
	session.AddHandler(bot.guildCreate)
	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.guildMemberAdd)
	session.AddHandler(bot.guildMemberRemove)
	session.AddHandler(bot.messageCreate)

	return bot
}

// Start opens the gateway connection
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	b.log.Info("Bot is running")
	return nil
}

// Stop disconnects, then closes open sessions and saves state
func (b *Bot) Stop() error {
	err := b.session.Close()

	b.stopMu.Lock()
	b.stopped = true
	b.stopMu.Unlock()

	b.cancel()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.tracker.Shutdown(ctx, time.Now())

	if err != nil {
		return fmt.Errorf("failed to close Discord connection: %w", err)
	}
	return nil
}

// running holds stopMu for reading while it reports true; the caller must
// call b.stopMu.RUnlock when it does
func (b *Bot) running() bool {
	b.stopMu.RLock()
	if b.stopped {
		b.stopMu.RUnlock()
		return false
	}
	return true
}

func (b *Bot) ready(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("Connected to gateway",
		zap.String("user", r.User.Username),
		zap.Int("guilds", len(r.Guilds)))

	if !b.running() {
		return
	}
	defer b.stopMu.RUnlock()

	b.readyOnce.Do(func() {
		if b.scheduler != nil {
			b.wg.Go(func() {
				b.scheduler.Run(b.ctx)
			})
		}
	})
}

// guildCreate seeds members already sitting in voice when the guild
// becomes available
func (b *Bot) guildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	if !b.running() {
		return
	}
	defer b.stopMu.RUnlock()

	names := make(map[string]string, len(g.Members))
	for _, m := range g.Members {
		if m.User != nil {
			names[m.User.ID] = memberDisplayName(m)
		}
	}

	members := make([]tracker.Member, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		if s.State.User != nil && vs.UserID == s.State.User.ID {
			continue
		}
		members = append(members, tracker.Member{
			UserID:      vs.UserID,
			DisplayName: names[vs.UserID],
			State:       stateOf(vs),
		})
	}
	b.tracker.Seed(b.ctx, g.ID, members, time.Now())
}

// voiceStateUpdate handles voice state updates
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil {
		return
	}
	if s.State.User != nil && vs.UserID == s.State.User.ID {
		return
	}
	at := time.Now()

	if !b.running() {
		return
	}
	defer b.stopMu.RUnlock()

	var before tracker.VoiceState
	if vs.BeforeUpdate != nil {
		before = stateOf(vs.BeforeUpdate)
	}

	name := ""
	if vs.Member != nil {
		name = memberDisplayName(vs.Member)
	}

	b.tracker.Handle(b.ctx, tracker.VoiceChange{
		GuildID:     vs.GuildID,
		UserID:      vs.UserID,
		DisplayName: name,
		Before:      before,
		After:       stateOf(vs.VoiceState),
		At:          at,
	})
}

func stateOf(vs *discordgo.VoiceState) tracker.VoiceState {
	return tracker.VoiceState{
		ChannelID:  vs.ChannelID,
		SelfDeaf:   vs.SelfDeaf,
		SelfMute:   vs.SelfMute,
		SelfStream: vs.SelfStream,
		SelfVideo:  vs.SelfVideo,
	}
}

func memberDisplayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		return m.User.DisplayName()
	}
	return ""
}
