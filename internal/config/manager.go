package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds map of tenant overrides
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager handles dynamic configuration resolution
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both master and tenant configs
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	// Load Master
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	// Load Tenants
	f, err := os.Open(tenantsPath)
	if err != nil {
		// If tenants file missing, just use empty map
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// NewManagerFromConfig wraps an already-built config (tests, embedded use).
func NewManagerFromConfig(master *Config) *Manager {
	return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}
}

// SetTenantOverride replaces one tenant's override block.
func (m *Manager) SetTenantOverride(orgID string, override Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantConfigs[orgID] = override
}

// Get returns the effective config for a tenant.
// It merges tenant overrides on top of the global config.
func (m *Manager) Get(orgID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Start with a copy of the global config
	effective := *m.globalConfig

	// Apply overrides if they exist
	if override, ok := m.tenantConfigs[orgID]; ok {
		// Discovery cadence and budgets
		if override.Discovery.DefaultIntervalHours != 0 {
			effective.Discovery.DefaultIntervalHours = override.Discovery.DefaultIntervalHours
		}
		if override.Discovery.RunTimeoutMinutes != 0 {
			effective.Discovery.RunTimeoutMinutes = override.Discovery.RunTimeoutMinutes
		}
		if override.Discovery.StalenessDays != 0 {
			effective.Discovery.StalenessDays = override.Discovery.StalenessDays
		}
		if override.Discovery.PageSize != 0 {
			effective.Discovery.PageSize = override.Discovery.PageSize
		}

		// Detector thresholds
		if override.Detectors.VelocityEventsPerMinute != 0 {
			effective.Detectors.VelocityEventsPerMinute = override.Detectors.VelocityEventsPerMinute
		}
		if override.Detectors.BatchOperationSize != 0 {
			effective.Detectors.BatchOperationSize = override.Detectors.BatchOperationSize
		}
		if override.Detectors.BatchWindowSeconds != 0 {
			effective.Detectors.BatchWindowSeconds = override.Detectors.BatchWindowSeconds
		}
		// Business hours may legitimately start at 0 (midnight); override
		// applies when either bound is set.
		if override.Detectors.BusinessHoursStart != 0 || override.Detectors.BusinessHoursEnd != 0 {
			effective.Detectors.BusinessHoursStart = override.Detectors.BusinessHoursStart
			effective.Detectors.BusinessHoursEnd = override.Detectors.BusinessHoursEnd
		}

		// Vault refresh lead
		if override.Vault.RefreshBufferSeconds != 0 {
			effective.Vault.RefreshBufferSeconds = override.Vault.RefreshBufferSeconds
		}

		// Realtime back-pressure
		if override.Realtime.CoalesceAbove != 0 {
			effective.Realtime.CoalesceAbove = override.Realtime.CoalesceAbove
		}
	}

	return &effective
}
