package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// isolate points HEARTH_HOME at a fresh directory and runs from another one
// so no developer .env or config leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	t.Chdir(t.TempDir())
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, home, s.Home)
	assert.Empty(t, s.ConfigFile)
	assert.Equal(t, []string{"shopping", "calendar", "chores"}, s.Collections)
	assert.Equal(t, filepath.Join(home, "hearth.db"), s.Database)
	assert.Equal(t, filepath.Join(home, "store"), s.Store.Dir)
	assert.Equal(t, string(schema.StrategyLastWriterWins), s.Sync.DefaultStrategy)
	assert.Equal(t, 30*time.Second, s.Sync.HeartbeatInterval)
	assert.Equal(t, 7420, s.Dashboard.Port)
	assert.Error(t, s.RequireFamily())
}

func TestLoad_FileAndEnv(t *testing.T) {
	home := isolate(t)

	cfg := `family_id: smiths
collections: [shopping]
sync:
  default_strategy: manual
  max_in_flight: 2
  idle_after: 90s
  strategies:
    shopping: merge
dashboard:
  port: 9000
`
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(cfg), 0o644))
	t.Setenv("HEARTH_DASHBOARD_PORT", "9100")
	t.Setenv("HEARTH_SYNC_MAX_IN_FLIGHT", "6")

	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, FileName), s.ConfigFile)
	assert.Equal(t, "smiths", s.FamilyID)
	assert.Equal(t, []string{"shopping"}, s.Collections)
	assert.Equal(t, "manual", s.Sync.DefaultStrategy)
	assert.Equal(t, 90*time.Second, s.Sync.IdleAfter)
	assert.Equal(t, map[string]string{"shopping": "merge"}, s.Sync.Strategies)
	assert.Equal(t, 9100, s.Dashboard.Port, "env wins over the file")
	assert.Equal(t, 6, s.Sync.MaxInFlight)
	assert.NoError(t, s.RequireFamily())
}

func TestLoad_DotEnv(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".env"), []byte("HEARTH_FAMILY_ID=joneses\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HEARTH_FAMILY_ID") })

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "joneses", s.FamilyID)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"strategy", map[string]string{"HEARTH_SYNC_DEFAULT_STRATEGY": "coin_flip"}},
		{"delete strategy", map[string]string{"HEARTH_SYNC_DELETE_STRATEGY": "merge"}},
		{"in flight", map[string]string{"HEARTH_SYNC_MAX_IN_FLIGHT": "0"}},
		{"port", map[string]string{"HEARTH_DASHBOARD_PORT": "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	home := isolate(t)

	s := Default(home)
	s.FamilyID = "smiths"
	s.Sync.IdleAfter = 2 * time.Minute
	path := filepath.Join(home, FileName)
	require.NoError(t, s.Write(path, false))
	assert.Error(t, s.Write(path, false), "existing file needs force")
	require.NoError(t, s.Write(path, true))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smiths", loaded.FamilyID)
	assert.Equal(t, 2*time.Minute, loaded.Sync.IdleAfter)
	assert.Equal(t, s.Collections, loaded.Collections)
}

func TestLoadOrCreateDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "device.toml")

	d, created, err := LoadOrCreateDevice(path, "kitchen-tablet")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, d.DeviceID, 36)

	again, created, err := LoadOrCreateDevice(path, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.DeviceID, again.DeviceID)
	assert.Equal(t, "kitchen-tablet", again.Name)
	assert.True(t, d.CreatedAt.Equal(again.CreatedAt))
}

func TestLoadDevice_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"x\"\n"), 0o644))
	_, err := LoadDevice(path)
	assert.Error(t, err)
}

func TestCoordinatorConfig(t *testing.T) {
	s := Default(t.TempDir())
	s.FamilyID = "smiths"
	s.Sync.Strategies = map[string]string{"calendar": "manual"}
	s.Sync.MaxAttempts = 3

	cfg := s.Coordinator(&Device{DeviceID: "dev-1"}, "1.2.0", nil)
	assert.Equal(t, "smiths", cfg.FamilyID)
	assert.Equal(t, "dev-1", cfg.DeviceID)
	assert.Equal(t, "1.2.0", cfg.AppVersion)
	assert.Equal(t, schema.StrategyManual, cfg.Strategies["calendar"])
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, s.Sync.IdleAfter, cfg.Registry.IdleAfter)

	dash := s.DashboardConfig(nil)
	assert.Equal(t, 7420, dash.Port)
	assert.NotNil(t, dash.Logger)
}
