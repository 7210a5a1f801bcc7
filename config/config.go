// Package config loads and validates the service configuration from a YAML
// or JSON file with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/medifleet/dispatch/api"
	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/metrics"
	"github.com/medifleet/dispatch/core/routing"
	"github.com/medifleet/dispatch/infra/airspace"
	"github.com/medifleet/dispatch/infra/monitoring"
	"github.com/medifleet/dispatch/infra/mqtt"
	"github.com/medifleet/dispatch/infra/notify"
	"github.com/medifleet/dispatch/infra/telemetry"
)

type Config struct {
	API       api.Config               `json:"api"`
	MQTT      mqtt.Config              `json:"mqtt"`
	Dispatch  dispatch.Config          `json:"dispatch"`
	Routing   routing.Config           `json:"routing"`
	Fleet     FleetConfig              `json:"fleet"`
	Telemetry telemetry.Config         `json:"telemetry"`
	Notify    notify.Config            `json:"notify"`
	Clearance airspace.ClearanceConfig `json:"clearance"`
	Ledger    LedgerConfig             `json:"ledger"`
	Storage   StorageConfig            `json:"storage"`
	Metrics   metrics.Config           `json:"metrics"`
	Sentry    monitoring.Config        `json:"sentry"`
	Logging   LoggingConfig            `json:"logging"`
}

// Load reads the file at path. Environment variables prefixed with MF_
// override file values, with __ separating nesting levels
// (MF_MQTT__BROKER=tcp://... overrides mqtt.broker).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("MF_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "mf_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.API.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.Routing.SetDefaults()
	cfg.Fleet.SetDefaults()
	cfg.Telemetry.SetDefaults()
	cfg.Notify.SetDefaults()
	cfg.Ledger.SetDefaults()
	cfg.Storage.SetDefaults()
	cfg.Logging.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section that defines constraints.
func (c *Config) Validate() error {
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}

// FleetConfig tunes the registry.
type FleetConfig struct {
	// ExcursionGraceSeconds is how long a compartment may sit outside its
	// reserved band before an alert is raised.
	ExcursionGraceSeconds int `json:"excursion_grace_seconds"`
	// SeedFile optionally points at a JSON file with the initial vehicle
	// roster for fresh deployments.
	SeedFile string `json:"seed_file"`
}

func (c *FleetConfig) SetDefaults() {
	if c.ExcursionGraceSeconds <= 0 {
		c.ExcursionGraceSeconds = 120
	}
}

// LedgerConfig selects the compliance ledger backend.
type LedgerConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

func (c *LedgerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.Path == "" {
		c.Path = "ledger.db"
	}
}

func (c LedgerConfig) Validate() error {
	if c.Backend != "sqlite" && c.Backend != "memory" {
		return fmt.Errorf("unknown ledger backend %s", c.Backend)
	}
	if c.Backend == "sqlite" && c.Path == "" {
		return fmt.Errorf("ledger path is required")
	}
	return nil
}

// StorageConfig configures operational state snapshots.
type StorageConfig struct {
	Path             string `json:"path"`
	IntervalSeconds  int    `json:"interval_seconds"`
	RestoreOnStartup bool   `json:"restore_on_startup"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "state.db"
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 30
	}
}

// LoggingConfig tunes the zerolog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
	// Pretty switches to the human console writer.
	Pretty bool `json:"pretty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %s", c.Level)
	}
}
