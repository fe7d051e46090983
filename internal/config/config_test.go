package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_DefaultsFillGaps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: "9090"
broker:
  discovery_concurrency: 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2, cfg.Broker.DiscoveryConcurrency)
	// Untouched values come from defaults.
	assert.Equal(t, 30, cfg.Broker.StalledIntervalSeconds)
	assert.Equal(t, 300, cfg.Vault.RefreshBufferSeconds)
	assert.Equal(t, 24, cfg.Discovery.DefaultIntervalHours)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout())
	assert.Equal(t, 5*time.Minute, cfg.RefreshBuffer())
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
broker:
  redis_url: "redis://file:6379"
`)
	t.Setenv("UMBRIX_REDIS_URL", "redis://env:6379")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379", cfg.Broker.RedisURL)
}

func TestManager_TenantOverrideMergesOnTopOfGlobal(t *testing.T) {
	dir := t.TempDir()
	master := writeFile(t, dir, "config.yaml", `
detectors:
  velocity_events_per_minute: 60
  business_hours_start: 8
  business_hours_end: 18
`)
	tenants := writeFile(t, dir, "tenants.yaml", `
tenants:
  org-night-shift:
    detectors:
      business_hours_start: 14
      business_hours_end: 23
    discovery:
      default_interval_hours: 6
`)

	mgr, err := NewManager(master, tenants)
	require.NoError(t, err)

	// Overridden tenant
	eff := mgr.Get("org-night-shift")
	assert.Equal(t, 14, eff.Detectors.BusinessHoursStart)
	assert.Equal(t, 23, eff.Detectors.BusinessHoursEnd)
	assert.Equal(t, 6, eff.Discovery.DefaultIntervalHours)
	// Non-overridden values still global
	assert.Equal(t, float64(60), eff.Detectors.VelocityEventsPerMinute)

	// Unknown tenant gets the global view
	global := mgr.Get("org-unknown")
	assert.Equal(t, 8, global.Detectors.BusinessHoursStart)
	assert.Equal(t, 24, global.Discovery.DefaultIntervalHours)
}

func TestManager_MissingTenantsFileIsFine(t *testing.T) {
	dir := t.TempDir()
	master := writeFile(t, dir, "config.yaml", "server:\n  port: \"8080\"\n")

	mgr, err := NewManager(master, filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", mgr.Get("any").Server.Port)
}

func TestOAuthFor(t *testing.T) {
	cfg := Default()
	cfg.OAuth.Google = OAuthApp{ClientID: "gid", ClientSecret: "gsec"}

	app, err := cfg.OAuthFor("google")
	require.NoError(t, err)
	assert.Equal(t, "gid", app.ClientID)

	_, err = cfg.OAuthFor("fax-machine")
	assert.Error(t, err)
}
