// Package config loads hearth settings.
//
// Settings come from, in increasing precedence: built-in defaults,
// config.yaml in the hearth home directory (or the file given with
// --config), a .env file, and HEARTH_* environment variables. Nested keys
// map to env names with dots replaced by underscores, so sync.max_in_flight
// is HEARTH_SYNC_MAX_IN_FLIGHT.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HEARTH"

// FileName is the settings file looked up in the home directory.
const FileName = "config.yaml"

// Settings is the typed view of the configuration.
type Settings struct {
	FamilyID    string   `mapstructure:"family_id" yaml:"family_id"`
	UserID      string   `mapstructure:"user_id" yaml:"user_id,omitempty"`
	Platform    string   `mapstructure:"platform" yaml:"platform"`
	Collections []string `mapstructure:"collections" yaml:"collections"`

	// Database is the local SQLite file.
	Database string `mapstructure:"database" yaml:"database"`

	// DeviceFile holds the stable device identity.
	DeviceFile string `mapstructure:"device_file" yaml:"device_file"`

	Store     StoreSettings     `mapstructure:"store" yaml:"store"`
	Sync      SyncSettings      `mapstructure:"sync" yaml:"sync"`
	Dashboard DashboardSettings `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogSettings       `mapstructure:"log" yaml:"log"`

	// Home and ConfigFile record where settings were read from.
	Home       string `mapstructure:"-" yaml:"-"`
	ConfigFile string `mapstructure:"-" yaml:"-"`
}

// StoreSettings locates the shared backing store. Every device of a family
// points Dir at the same synced folder.
type StoreSettings struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// SyncSettings tune the sync engine.
type SyncSettings struct {
	DefaultStrategy string            `mapstructure:"default_strategy" yaml:"default_strategy"`
	DeleteStrategy  string            `mapstructure:"delete_strategy" yaml:"delete_strategy"`
	Strategies      map[string]string `mapstructure:"strategies" yaml:"strategies,omitempty"`

	MaxInFlight     int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	TransmitTimeout time.Duration `mapstructure:"transmit_timeout" yaml:"transmit_timeout"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	LivenessWindow    time.Duration `mapstructure:"liveness_window" yaml:"liveness_window"`
	IdleAfter         time.Duration `mapstructure:"idle_after" yaml:"idle_after"`
}

// DashboardSettings configure the local HTTP/WebSocket surface.
type DashboardSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// LogSettings configure the log file. An empty File logs to stderr.
type LogSettings struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Home returns $HEARTH_HOME, falling back to ~/.hearth.
func Home() (string, error) {
	if h := os.Getenv(EnvPrefix + "_HOME"); h != "" {
		return h, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(userHome, ".hearth"), nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("family_id", "")
	v.SetDefault("user_id", "")
	v.SetDefault("platform", runtime.GOOS)
	v.SetDefault("collections", []string{"shopping", "calendar", "chores"})
	v.SetDefault("database", filepath.Join(home, "hearth.db"))
	v.SetDefault("device_file", filepath.Join(home, "device.toml"))

	v.SetDefault("store.dir", filepath.Join(home, "store"))

	v.SetDefault("sync.default_strategy", string(schema.StrategyLastWriterWins))
	v.SetDefault("sync.delete_strategy", string(schema.StrategyManual))
	v.SetDefault("sync.strategies", map[string]string{})
	v.SetDefault("sync.max_in_flight", 4)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.transmit_timeout", 10*time.Second)
	v.SetDefault("sync.heartbeat_interval", 30*time.Second)
	v.SetDefault("sync.liveness_window", 60*time.Second)
	v.SetDefault("sync.idle_after", 5*time.Minute)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 7420)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads settings. configPath overrides the config.yaml lookup; a
// missing file is only an error when configPath names it explicitly.
func Load(configPath string) (*Settings, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}

	// .env never overrides variables that are already set.
	for _, p := range []string{filepath.Join(home, ".env"), ".env"} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", p, err)
		}
	}

	v := viper.New()
	setDefaults(v, home)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	s.Home = home
	s.ConfigFile = v.ConfigFileUsed()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the built-in settings rooted at home.
func Default(home string) *Settings {
	v := viper.New()
	setDefaults(v, home)
	var s Settings
	// Defaults always decode.
	_ = v.Unmarshal(&s)
	s.Home = home
	return &s
}

// Validate checks values the engine would otherwise reject later.
func (s *Settings) Validate() error {
	if len(s.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	if !schema.Strategy(s.Sync.DefaultStrategy).IsValid() {
		return fmt.Errorf("invalid sync.default_strategy %q", s.Sync.DefaultStrategy)
	}
	switch schema.Strategy(s.Sync.DeleteStrategy) {
	case schema.StrategyManual, schema.StrategyLocalWins, schema.StrategyRemoteWins:
	default:
		return fmt.Errorf("invalid sync.delete_strategy %q", s.Sync.DeleteStrategy)
	}
	for col, st := range s.Sync.Strategies {
		if !schema.Strategy(st).IsValid() {
			return fmt.Errorf("invalid strategy %q for collection %s", st, col)
		}
	}
	if s.Sync.MaxInFlight <= 0 {
		return fmt.Errorf("sync.max_in_flight must be positive")
	}
	if s.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if s.Dashboard.Port < 0 || s.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard.port %d", s.Dashboard.Port)
	}
	return nil
}

// RequireFamily fails when no family is configured.
func (s *Settings) RequireFamily() error {
	if s.FamilyID == "" {
		return fmt.Errorf("family_id is not set (run 'hearth init --family <id>' or set %s_FAMILY_ID)", EnvPrefix)
	}
	return nil
}

// Write saves s as YAML to path, creating parent directories. An existing
// file is only replaced when force is set.
func (s *Settings) Write(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	header := []byte("# hearth settings. Environment variables HEARTH_* override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
