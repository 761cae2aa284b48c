// Package config loads the kernel's YAML configuration and resolves
// per-tenant overrides on top of the global file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cognigate/kernel/internal/breaker"
	"github.com/cognigate/kernel/internal/ceiling"
	"github.com/cognigate/kernel/internal/kernel"
	"github.com/cognigate/kernel/internal/trust"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Trust   TrustConfig   `yaml:"trust"`
	Bands   BandsConfig   `yaml:"bands"`
	Gate    GateConfig    `yaml:"gate"`
	Breaker BreakerConfig `yaml:"breaker"`
	Ceiling CeilingConfig `yaml:"ceiling"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Keys    KeysConfig    `yaml:"keys"`
	Events  EventsConfig  `yaml:"events"`
	Redis   RedisConfig   `yaml:"redis"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// Duration is a time.Duration that unmarshals from YAML scalars like
// "30s" or "336h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type TrustConfig struct {
	// Preset selects a named weight set: default, conservative, competency.
	// Explicit weights win over the preset.
	Preset  string             `yaml:"preset"`
	Weights map[string]float64 `yaml:"weights"`

	// InitialTier is the observation tier assigned to agents first seen
	// through evidence submission: opaque, gray_box, white_box, attested,
	// fully_verified.
	InitialTier string `yaml:"initial_tier"`

	Decay DecayConfig `yaml:"decay"`
}

type DecayConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Interval            Duration `yaml:"interval"`
	InactivityThreshold Duration `yaml:"inactivity_threshold"`
}

type BandsConfig struct {
	PromotionMargin float64  `yaml:"promotion_margin"`
	MinDwell        Duration `yaml:"min_dwell"`
}

type GateConfig struct {
	PartialCreditRatio float64 `yaml:"partial_credit_ratio"`
}

type BreakerConfig struct {
	DegradedThreshold float64            `yaml:"degraded_threshold"`
	OpenThreshold     float64            `yaml:"open_threshold"`
	RecoveryStreak    int                `yaml:"recovery_streak"`
	HalfOpenDelay     Duration           `yaml:"half_open_delay"`
	HardLimits        map[string]float64 `yaml:"hard_limits"`
}

type CeilingConfig struct {
	Limits ceiling.Limits `yaml:"limits"`

	// Framework: none, soc2, hipaa, eu-ai-act. Drives indicator retention.
	Framework string `yaml:"framework"`
}

type LedgerConfig struct {
	// Backend: memory, postgres, spanner
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SpannerDB   string `yaml:"spanner_db"`

	// ProceedWithoutAudit lets decisions stand when the chain append
	// fails. Keep false outside development.
	ProceedWithoutAudit bool `yaml:"proceed_without_audit"`
}

type KeysConfig struct {
	// Backend: memory, env, file, module
	Backend    string `yaml:"backend"`
	Identity   string `yaml:"identity"`
	EnvPrefix  string `yaml:"env_prefix"`
	FilePath   string `yaml:"file_path"`
	Passphrase string `yaml:"passphrase"`
}

type EventsConfig struct {
	// PubSubProject non-empty switches the bus to Cloud Pub/Sub fan-out.
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolveWeights resolves the configured weight set. Explicit weights win, then
// the named preset, then the default.
func (t TrustConfig) ResolveWeights() (trust.Weights, error) {
	if len(t.Weights) > 0 {
		out := make(trust.Weights, len(t.Weights))
		for name, v := range t.Weights {
			out[trust.Dimension(name)] = v
		}
		if err := out.Validate(); err != nil {
			return nil, err
		}
		return out, nil
	}
	switch t.Preset {
	case "", "default":
		return trust.DefaultWeights(), nil
	case "conservative":
		return trust.ConservativeWeights(), nil
	case "competency":
		return trust.CompetencyWeights(), nil
	default:
		return nil, fmt.Errorf("unknown trust preset %q", t.Preset)
	}
}

// ResolveTier maps the configured tier name to its observation tier.
func (t TrustConfig) ResolveTier() (trust.ObservationTier, error) {
	switch t.InitialTier {
	case "", "opaque":
		return trust.TierOpaque, nil
	case "gray_box":
		return trust.TierGrayBox, nil
	case "white_box":
		return trust.TierWhiteBox, nil
	case "attested":
		return trust.TierAttested, nil
	case "fully_verified":
		return trust.TierFullyVerified, nil
	default:
		return trust.TierOpaque, fmt.Errorf("unknown observation tier %q", t.InitialTier)
	}
}

// ResolveFramework maps the configured compliance framework name.
func (c CeilingConfig) ResolveFramework() (ceiling.Framework, error) {
	switch c.Framework {
	case "", "none":
		return ceiling.FrameworkNone, nil
	case "soc2":
		return ceiling.FrameworkSOC2, nil
	case "hipaa":
		return ceiling.FrameworkHIPAA, nil
	case "eu-ai-act":
		return ceiling.FrameworkEUAIAct, nil
	default:
		return ceiling.FrameworkNone, fmt.Errorf("unknown compliance framework %q", c.Framework)
	}
}

// KernelConfig projects the file configuration onto the kernel's tuning,
// starting from defaults and applying only the fields the file sets.
func (c *Config) KernelConfig() (kernel.Config, error) {
	out := kernel.DefaultConfig()

	weights, err := c.Trust.ResolveWeights()
	if err != nil {
		return out, err
	}
	out.Weights = weights

	tier, err := c.Trust.ResolveTier()
	if err != nil {
		return out, err
	}
	out.InitialTier = tier

	if c.Bands.PromotionMargin > 0 {
		out.BandConfig.PromotionMargin = c.Bands.PromotionMargin
	}
	if c.Bands.MinDwell > 0 {
		out.BandConfig.MinDwell = c.Bands.MinDwell.Std()
	}
	if c.Gate.PartialCreditRatio > 0 {
		out.GateConfig.PartialCreditRatio = c.Gate.PartialCreditRatio
	}

	if c.Breaker.DegradedThreshold > 0 {
		out.BreakerConfig.DegradedThreshold = c.Breaker.DegradedThreshold
	}
	if c.Breaker.OpenThreshold > 0 {
		out.BreakerConfig.OpenThreshold = c.Breaker.OpenThreshold
	}
	if c.Breaker.RecoveryStreak > 0 {
		out.BreakerConfig.RecoveryStreak = c.Breaker.RecoveryStreak
	}
	if c.Breaker.HalfOpenDelay > 0 {
		out.BreakerConfig.HalfOpenDelay = c.Breaker.HalfOpenDelay.Std()
	}
	if len(c.Breaker.HardLimits) > 0 {
		out.BreakerConfig.HardLimits = breaker.HardLimits(c.Breaker.HardLimits)
	}

	out.Limits = c.Ceiling.Limits
	framework, err := c.Ceiling.ResolveFramework()
	if err != nil {
		return out, err
	}
	out.Framework = framework

	out.ProceedWithoutAudit = c.Ledger.ProceedWithoutAudit
	return out, nil
}
