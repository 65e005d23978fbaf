package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
	Cache    ConfigCache    `toml:"cache"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the access token.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigRealtime tunes the realtime connection.
type ConfigRealtime struct {
	Transport            string `toml:"transport"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	HeartbeatSeconds     int    `toml:"heartbeat_seconds"`
	PollSeconds          int    `toml:"poll_seconds"`
	PendingCorrections   int    `toml:"pending_corrections"`
}

// ConfigCache locates the snapshot cache. An empty dir disables it.
type ConfigCache struct {
	Dir string `toml:"dir"`
}

// ConfigLog sets the log level (debug, info, warn, error).
type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

func writeConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "realtime.transport").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	}

	var err error
	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			switch value {
			case "ws", "sse", "poll":
				cfg.Realtime.Transport = value
			default:
				return fmt.Errorf("transport must be one of ws, sse, poll")
			}
		case "max_reconnect_attempts":
			cfg.Realtime.MaxReconnectAttempts, err = atoi()
		case "heartbeat_seconds":
			cfg.Realtime.HeartbeatSeconds, err = atoi()
		case "poll_seconds":
			cfg.Realtime.PollSeconds, err = atoi()
		case "pending_corrections":
			cfg.Realtime.PendingCorrections, err = atoi()
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "cache":
		switch field {
		case "dir":
			cfg.Cache.Dir = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, cache, log)", section)
	}
	return err
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync engine CLI",
	Long:  "Command-line client for the chat sync engine.\nList conversations, read and send messages, and watch realtime events.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadDotEnv()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
