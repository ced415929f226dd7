package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv             string        `env:"APP_ENV" default:"development"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	RedisURL           string        `env:"REDIS_URL"`
	TwitchClientID     string        `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string        `env:"TWITCH_CLIENT_SECRET"`
	EventSubURL        string        `env:"EVENTSUB_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	SevenTVToken       string        `env:"SEVENTV_TOKEN"`
	MetricsPort        string        `env:"METRICS_PORT" default:"9090"`
	LogLevel           string        `env:"LOG_LEVEL" default:"info"`
	LogFormat          string        `env:"LOG_FORMAT" default:"text"`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL" default:"2h"`
	ProcessInterval    time.Duration `env:"PROCESS_INTERVAL" default:"10m"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":         cfg.DatabaseURL,
		"REDIS_URL":            cfg.RedisURL,
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.SyncInterval < time.Minute {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1m, got %s", cfg.SyncInterval)
	}
	if cfg.ProcessInterval < time.Second {
		return fmt.Errorf("PROCESS_INTERVAL must be at least 1s, got %s", cfg.ProcessInterval)
	}

	return nil
}
