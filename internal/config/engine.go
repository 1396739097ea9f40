package config

import (
	"log"

	"github.com/hearthsync/hearth/internal/engine/coordinator"
	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/engine/schema"
	"github.com/hearthsync/hearth/internal/logging"
)

// Coordinator builds the engine configuration for this device. logger
// returns the logger for a component name.
func (s *Settings) Coordinator(dev *Device, appVersion string, logger func(component string) *log.Logger) coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.FamilyID = s.FamilyID
	cfg.DeviceID = dev.DeviceID
	cfg.UserID = s.UserID
	cfg.Platform = s.Platform
	cfg.AppVersion = appVersion
	cfg.Collections = append([]string(nil), s.Collections...)

	cfg.DefaultStrategy = schema.Strategy(s.Sync.DefaultStrategy)
	cfg.DeleteStrategy = schema.Strategy(s.Sync.DeleteStrategy)
	if len(s.Sync.Strategies) > 0 {
		cfg.Strategies = make(map[string]schema.Strategy, len(s.Sync.Strategies))
		for col, st := range s.Sync.Strategies {
			cfg.Strategies[col] = schema.Strategy(st)
		}
	}
	cfg.MaxInFlight = s.Sync.MaxInFlight
	cfg.TransmitTimeout = s.Sync.TransmitTimeout

	cfg.Queue.MaxAttempts = s.Sync.MaxAttempts
	cfg.Registry.HeartbeatInterval = s.Sync.HeartbeatInterval
	cfg.Registry.LivenessWindow = s.Sync.LivenessWindow
	cfg.Registry.IdleAfter = s.Sync.IdleAfter

	if logger != nil {
		cfg.Logger = logger("coordinator")
		cfg.Queue.Logger = logger("queue")
		cfg.Listener.Logger = logger("listener")
		cfg.Registry.Logger = logger("registry")
		cfg.Feed.Logger = logger("feed")
	}
	return cfg
}

// DashboardConfig builds the dashboard server configuration.
func (s *Settings) DashboardConfig(logger *log.Logger) *dashboard.Config {
	cfg := dashboard.DefaultConfig()
	cfg.Host = s.Dashboard.Host
	cfg.Port = s.Dashboard.Port
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}

// Logging builds the logging configuration. foreground copies file output
// to stderr.
func (s *Settings) Logging(foreground bool) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.File = s.Log.File
	cfg.MaxSizeMB = s.Log.MaxSizeMB
	cfg.MaxBackups = s.Log.MaxBackups
	cfg.MaxAgeDays = s.Log.MaxAgeDays
	cfg.Foreground = foreground
	return cfg
}
