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
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

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

// Get returns the effective config for a tenant.
// It merges tenant overrides on top of the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Start with a copy of the global config
	effective := *m.globalConfig

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	// Trust weights and tier
	if override.Trust.Preset != "" || len(override.Trust.Weights) > 0 {
		effective.Trust.Preset = override.Trust.Preset
		effective.Trust.Weights = override.Trust.Weights
	}
	if override.Trust.InitialTier != "" {
		effective.Trust.InitialTier = override.Trust.InitialTier
	}

	// Hysteresis
	if override.Bands.PromotionMargin != 0 || override.Bands.MinDwell != 0 {
		effective.Bands = override.Bands
	}

	// Gate
	if override.Gate.PartialCreditRatio != 0 {
		effective.Gate = override.Gate
	}

	// Breaker thresholds and hard limits
	if override.Breaker.OpenThreshold != 0 || len(override.Breaker.HardLimits) > 0 {
		effective.Breaker = override.Breaker
	}

	// Ceilings are the canonical tenant override: a deployment or org
	// ceiling is exactly a per-tenant constraint.
	zero := CeilingConfig{}
	if override.Ceiling != zero {
		effective.Ceiling = override.Ceiling
	}

	return &effective
}
