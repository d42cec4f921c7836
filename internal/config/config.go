package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pledgeline/internal/db"
)

// Config models pledgeline.yml.
type Config struct {
	Contracts struct {
		StakeCapPercent        int    `yaml:"stake_cap_percent" json:"stake_cap_percent"`
		BonusPercent           int    `yaml:"bonus_percent" json:"bonus_percent"`
		DefaultGraceDays       int    `yaml:"default_grace_days" json:"default_grace_days"`
		DefaultCoolingOffHours int    `yaml:"default_cooling_off_hours" json:"default_cooling_off_hours"`
		DefaultPauseDays       int    `yaml:"default_pause_days" json:"default_pause_days"`
		PoolAccount            string `yaml:"pool_account" json:"pool_account"`
		Timezone               string `yaml:"timezone" json:"timezone"`
	} `yaml:"contracts" json:"contracts"`
	Storage struct {
		BusyTimeoutMS int    `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
		JournalMode   string `yaml:"journal_mode" json:"journal_mode"`
	} `yaml:"storage" json:"storage"`
	Server struct {
		BasePath        string `yaml:"base_path" json:"base_path"`
		AllowUserHeader bool   `yaml:"allow_user_header" json:"allow_user_header"`
	} `yaml:"server" json:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	cc := c.Contracts
	if cc.StakeCapPercent <= 0 || cc.StakeCapPercent > 100 {
		return fmt.Errorf("contracts.stake_cap_percent must be within 1..100")
	}
	if cc.BonusPercent < 0 {
		return fmt.Errorf("contracts.bonus_percent must not be negative")
	}
	if cc.DefaultGraceDays < 0 {
		return fmt.Errorf("contracts.default_grace_days must not be negative")
	}
	if cc.DefaultCoolingOffHours < 0 {
		return fmt.Errorf("contracts.default_cooling_off_hours must not be negative")
	}
	if cc.DefaultPauseDays <= 0 {
		return fmt.Errorf("contracts.default_pause_days must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("contracts.timezone: %w", err)
	}
	if c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("storage.busy_timeout_ms must not be negative")
	}
	if c.Storage.JournalMode != "" && !db.ValidJournalMode(c.Storage.JournalMode) {
		return fmt.Errorf("storage.journal_mode %q is not supported", c.Storage.JournalMode)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// Location resolves the timezone windows are computed in.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Contracts.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// DB returns the database settings for a workspace.
func (c *Config) DB(workspace string) db.Config {
	return db.Config{
		Workspace:   workspace,
		BusyTimeout: time.Duration(c.Storage.BusyTimeoutMS) * time.Millisecond,
		JournalMode: c.Storage.JournalMode,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pledgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out of
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `contracts:
  # a stake may not exceed this share of the current balance
  stake_cap_percent: 20
  # bonus credited on each successful window, as a share of the stake
  bonus_percent: 10
  default_grace_days: 1
  default_cooling_off_hours: 24
  default_pause_days: 7
  # forfeited stake is credited here; leave empty to burn it
  pool_account: "system:commitment-pool"
  timezone: Local

storage:
  busy_timeout_ms: 5000
  journal_mode: wal

server:
  base_path: /v0
  allow_user_header: false
`
