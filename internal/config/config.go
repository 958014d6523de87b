// Package config loads codelatch's daemon configuration from layered
// sources: struct defaults, an optional TOML file, and CODELATCH_-
// prefixed environment variables, in that order of increasing
// precedence.
package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/cmakafui/codelatch/internal/codelatcherr"
)

// Config holds everything the daemon needs to start.
type Config struct {
	TelegramBotToken   string `toml:"telegram_bot_token" env:"CODELATCH_TELEGRAM_BOT_TOKEN"`
	TelegramChatID     int64  `toml:"telegram_chat_id" env:"CODELATCH_TELEGRAM_CHAT_ID"`
	AutoDenySeconds    int    `toml:"auto_deny_seconds" env:"CODELATCH_AUTO_DENY_SECONDS" envDefault:"600"`
	HookTimeoutSeconds int    `toml:"hook_timeout_seconds" env:"CODELATCH_HOOK_TIMEOUT_SECONDS" envDefault:"3600"`
	ContextLines       int    `toml:"context_lines" env:"CODELATCH_CONTEXT_LINES" envDefault:"15"`
	MaxInlineLength    int    `toml:"max_inline_length" env:"CODELATCH_MAX_INLINE_LENGTH" envDefault:"4096"`
	SocketPath         string `toml:"socket_path" env:"CODELATCH_SOCKET"`
	DBPath             string `toml:"db_path" env:"CODELATCH_DB_PATH"`
	MetricsAddr        string `toml:"metrics_addr" env:"CODELATCH_METRICS_ADDR"`
}

// IsConfigured reports whether the minimum Telegram credentials are
// present.
func (c *Config) IsConfigured() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// Default returns a Config populated with built-in defaults and
// resolved filesystem paths, before any file or environment overlay.
func Default() Config {
	return Config{
		AutoDenySeconds:    600,
		HookTimeoutSeconds: 3600,
		ContextLines:       15,
		MaxInlineLength:    4096,
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
	}
}

// Load builds a Config by layering struct defaults, an optional TOML
// file, and environment variables. A missing config file or .env file
// is not an error.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if configPath == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, codelatcherr.Wrap(codelatcherr.Config, "resolve config path", err)
		}
		configPath = p
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, codelatcherr.Wrap(codelatcherr.Config, "parse "+configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, codelatcherr.Wrap(codelatcherr.Config, "read "+configPath, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, codelatcherr.Wrap(codelatcherr.Config, "parse environment", err)
	}

	return &cfg, nil
}

// Save writes cfg to path as TOML with mode 0600.
func Save(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.Config, "marshal", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return codelatcherr.Wrap(codelatcherr.Config, "create config dir", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return codelatcherr.Wrap(codelatcherr.Config, "write "+path, err)
	}
	return nil
}

// ConfigPath returns <config_dir>/codelatch/config.toml.
func ConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "codelatch", "config.toml"), nil
}

// DataDir returns <data_dir>/codelatch.
func DataDir() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "codelatch"), nil
	}
	return filepath.Join(dir, ".local", "share", "codelatch"), nil
}

// PIDPath returns the sibling-of-data-dir PID file path.
func PIDPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "codelatchd.pid"), nil
}

// LockPath returns the singleton lock file path.
func LockPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "codelatchd.lock"), nil
}

func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "codelatch.sock")
	}
	return filepath.Join(os.TempDir(), "codelatch.sock")
}

func defaultDBPath() string {
	dir, err := DataDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "codelatch", "codelatch.db")
	}
	return filepath.Join(dir, "codelatch.db")
}
