package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	TikHubBaseURL string `env:"TIKHUB_BASE_URL"`
	TikHubAPIKey  string `env:"TIKHUB_API_KEY"`

	WssCookies string `env:"WSS_COOKIES"`
	WsProxyURL string `env:"WS_PROXY_URL"`

	ReceiveTimeout  time.Duration `env:"WS_RECEIVE_TIMEOUT" default:"20s"`
	ReaperInterval  time.Duration `env:"REAPER_INTERVAL" default:"60s"`
	IdleRoomTimeout time.Duration `env:"IDLE_ROOM_TIMEOUT" default:"300s"`
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
		"TIKHUB_BASE_URL": cfg.TikHubBaseURL,
		"TIKHUB_API_KEY":  cfg.TikHubAPIKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.WsProxyURL != "" {
		if _, err := url.Parse(cfg.WsProxyURL); err != nil {
			return fmt.Errorf("WS_PROXY_URL must be a valid URL: %w", err)
		}
	}

	if cfg.ReceiveTimeout <= 0 {
		return fmt.Errorf("WS_RECEIVE_TIMEOUT must be positive, got %s", cfg.ReceiveTimeout)
	}

	return nil
}
