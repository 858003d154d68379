package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for our application
type Config struct {
	DiscordToken  string
	CommandPrefix string
	LogLevel      string
	LogDev        bool

	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	GuildSettingsFile string

	AFKTimeout         time.Duration
	AFKDeafenThreshold time.Duration
	AFKPollInterval    time.Duration
	CountIdleVoice     bool
	WeeklyRoleName     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	_ = godotenv.Load()

	config := &Config{
		DiscordToken:      os.Getenv("DISCORD_TOKEN"),
		CommandPrefix:     getString("COMMAND_PREFIX", "!"),
		LogLevel:          getString("LOG_LEVEL", "info"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:       getString("REDIS_PREFIX", "voicekeeper:state:"),
		GuildSettingsFile: os.Getenv("GUILD_SETTINGS_FILE"),
		WeeklyRoleName:    getString("WEEKLY_ROLE_NAME", "Most Active User"),
	}

	if config.DiscordToken == "" {
		return nil, &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	var err error
	if config.LogDev, err = getBool("LOG_DEV", false); err != nil {
		return nil, err
	}
	if config.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if config.CountIdleVoice, err = getBool("COUNT_IDLE_VOICE", false); err != nil {
		return nil, err
	}
	if config.AFKTimeout, err = getSeconds("AFK_TIMEOUT", 300); err != nil {
		return nil, err
	}
	if config.AFKTimeout < 60*time.Second || config.AFKTimeout > 3600*time.Second {
		return nil, &ConfigError{Field: "AFK_TIMEOUT", Message: "AFK_TIMEOUT must be between 60 and 3600 seconds"}
	}
	if config.AFKDeafenThreshold, err = getSeconds("AFK_DEAFEN_THRESHOLD", 600); err != nil {
		return nil, err
	}
	if config.AFKPollInterval, err = getSeconds("AFK_POLL_INTERVAL", 15); err != nil {
		return nil, err
	}
	if config.AFKPollInterval <= 0 || config.AFKPollInterval > config.AFKTimeout {
		return nil, &ConfigError{Field: "AFK_POLL_INTERVAL", Message: "AFK_POLL_INTERVAL must be positive and not exceed AFK_TIMEOUT"}
	}

	if config.DatabaseDSN != "" && config.RedisAddr != "" {
		return nil, &ConfigError{Field: "DATABASE_DSN", Message: "DATABASE_DSN and REDIS_ADDR are mutually exclusive"}
	}

	return config, nil
}

func getString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func getInt(name string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: name, Message: name + " must be an integer"}
	}
	return n, nil
}

func getSeconds(name string, fallback int) (time.Duration, error) {
	n, err := getInt(name, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getBool(name string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ConfigError{Field: name, Message: name + " must be a boolean"}
	}
	return b, nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
