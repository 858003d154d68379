package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"voicekeeper/internal/afk"
	"voicekeeper/internal/config"
	"voicekeeper/internal/database"
	"voicekeeper/internal/discord"
	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
	"voicekeeper/internal/rooms"
	"voicekeeper/internal/settings"
	"voicekeeper/internal/tracker"
	"voicekeeper/internal/voice"
	"voicekeeper/pkg/utils"
)

func main() {
	app := &cli.Command{
		Name:  "voicekeeper",
		Usage: "Track voice activity and move idle members to the AFK channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override LOG_LEVEL",
			},
			&cli.StringFlag{
				Name:  "settings",
				Usage: "Override GUILD_SETTINGS_FILE",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer log.Sync()
			return runBot(ctx, cfg, log)
		},
		Commands: []*cli.Command{
			{
				Name:  "state",
				Usage: "Print a summary of the stored voice activity",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "top",
						Value: 5,
						Usage: "Entries shown per guild",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, log, err := setup(c)
					if err != nil {
						return err
					}
					defer log.Sync()
					return printState(ctx, cfg, log, int(c.Int("top")))
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func setup(c *cli.Command) (*config.Config, *zap.Logger, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String("settings"); v != "" {
		cfg.GuildSettingsFile = v
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, zl, nil
}

func loadSettings(cfg *config.Config, log *zap.Logger) (*settings.Store, error) {
	seed := map[string]models.GuildSettings{}
	if cfg.GuildSettingsFile != "" {
		var err error
		if seed, err = settings.LoadFile(cfg.GuildSettingsFile); err != nil {
			return nil, err
		}
		log.Info("Loaded guild settings", zap.String("file", cfg.GuildSettingsFile), zap.Int("guilds", len(seed)))
	}
	return settings.NewStore(seed), nil
}

func runBot(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	store, err := database.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	repository := database.NewRepository(store, log.Named("repository"))
	defer repository.Close()

	guildSettings, err := loadSettings(cfg, log)
	if err != nil {
		return err
	}

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}
	actions := discord.NewActions(session, guildSettings, cfg.WeeklyRoleName, log.Named("actions"))

	ledger := voice.NewLedger(log.Named("voice"))
	watcher := afk.NewWatcher(afk.Config{
		Timeout:         cfg.AFKTimeout,
		DeafenThreshold: cfg.AFKDeafenThreshold,
		PollInterval:    cfg.AFKPollInterval,
	}, actions, actions, actions, guildSettings.AFKChannelID, log.Named("afk"))
	defer watcher.Close()

	roomManager := rooms.NewManager(actions, guildSettings.Template, rooms.DefaultGrace, log.Named("rooms"))
	defer roomManager.Close()

	voiceTracker := tracker.New(ledger, watcher, guildSettings, roomManager, repository, cfg.CountIdleVoice, log.Named("tracker"))
	if err := voiceTracker.Restore(ctx); err != nil {
		log.Warn("Starting with empty state", zap.Error(err))
	}
	roomManager.SetOnChange(func() {
		voiceTracker.Persist(context.Background())
	})

	roller := voice.NewRoller(ledger, actions, actions, log.Named("rollover"))
	scheduler := voice.NewScheduler(ledger, roller, guildSettings.WeeklyResetDay, voiceTracker.Persist, log.Named("scheduler"))

	// Initialize Discord bot
	bot := discord.New(session, discord.Deps{
		Tracker:   voiceTracker,
		Ledger:    ledger,
		Watcher:   watcher,
		Settings:  guildSettings,
		Rooms:     roomManager,
		Scheduler: scheduler,
		Prefix:    cfg.CommandPrefix,
	}, log.Named("discord"))

	// Start bot
	if err := bot.Start(); err != nil {
		return err
	}
	log.Info("Bot started",
		zap.String("backend", repository.Backend()),
		zap.Duration("afk_timeout", cfg.AFKTimeout),
		zap.Bool("count_idle_voice", cfg.CountIdleVoice))

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info("Shutting down bot...")

	started := time.Now()
	if err := bot.Stop(); err != nil {
		log.Error("Failed to close Discord session", zap.Error(err))
	}
	log.Info("Shutdown complete", zap.Duration("took", time.Since(started)))
	return nil
}

// printState restores the stored state into a ledger and prints each
// guild's all-time leaderboard
func printState(ctx context.Context, cfg *config.Config, log *zap.Logger, top int) error {
	store, err := database.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	repository := database.NewRepository(store, log.Named("repository"))
	defer repository.Close()

	state, err := repository.Load(ctx)
	if err != nil {
		return err
	}
	ledger := voice.NewLedger(log.Named("voice"))
	ledger.Restore(state.Voice)

	now := time.Now()
	for _, guildID := range ledger.Guilds() {
		fmt.Printf("Guild %s (%d rooms tracked)\n", guildID, countRooms(state.CreatedChannels, guildID))
		entries := ledger.TopN(guildID, voice.ViewAllTime, top, now)
		if len(entries) == 0 {
			fmt.Println("  (no activity)")
			continue
		}
		for i, e := range entries {
			name := e.DisplayName
			if name == "" {
				name = e.UserID
			}
			fmt.Println("  " + utils.FormatLeaderboardEntry(i+1, name, utils.FormatDuration(e.Total)))
		}
	}
	return nil
}

func countRooms(created map[string]models.CreatedRoom, guildID string) int {
	n := 0
	for _, r := range created {
		if r.GuildID == guildID {
			n++
		}
	}
	return n
}
