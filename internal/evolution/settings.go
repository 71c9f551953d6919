package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"leadhub/internal/apperr"
)

// Setting keys read from system_settings.
const (
	SettingAPIURL = "evolution_api_url"
	SettingAPIKey = "evolution_api_key"
)

// SettingsReader reads the database configuration tier.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// ResolveConfig fills missing URL and key from system_settings, then falls back to
// DefaultBaseURL with a warning. With required set, a missing URL is a config error.
func ResolveConfig(ctx context.Context, cfg Config, settings SettingsReader, required bool, logger *slog.Logger) (Config, error) {
	const op = "resolve evolution config"

	if strings.TrimSpace(cfg.BaseURL) == "" && settings != nil {
		v, ok, err := settings.GetSetting(ctx, SettingAPIURL)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			cfg.BaseURL = strings.TrimSpace(v)
		}
	}
	if strings.TrimSpace(cfg.APIKey) == "" && settings != nil {
		v, ok, err := settings.GetSetting(ctx, SettingAPIKey)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			cfg.APIKey = strings.TrimSpace(v)
		}
	}

	if cfg.BaseURL == "" {
		if required {
			return cfg, apperr.New(apperr.KindConfig, op, "EVOLUTION_API_URL is not configured")
		}
		logger.Warn("evolution api url not configured, using default", "url", DefaultBaseURL)
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIKey == "" {
		logger.Warn("evolution api key not configured")
	}
	return cfg, nil
}
