package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `mqtt:
  broker: "tcp://localhost:1883"
  client_id: "medifleet"
  username: "dispatcher"
  password: "secret"
routing:
  area:
    lat_min: 48.80
    lat_max: 48.92
    lon_min: 2.25
    lon_max: 2.45
  cell_size_m: 200
dispatch:
  proof_timeout_seconds: 900
ledger:
  backend: "sqlite"
  path: "/var/lib/medifleet/ledger.db"
metrics:
  sinks:
    - type: "nop"
telemetry:
  mode: "hybrid"
clearance:
  mode: "auto"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"client_id", cfg.MQTT.ClientID, "medifleet"},
		{"area.lat_min", cfg.Routing.Area.LatMin, 48.80},
		{"cell_size", cfg.Routing.CellSizeM, 200.0},
		{"proof_timeout", cfg.Dispatch.ProofTimeoutSeconds, 900},
		{"ledger_backend", cfg.Ledger.Backend, "sqlite"},
		{"ledger_path", cfg.Ledger.Path, "/var/lib/medifleet/ledger.db"},
		{"telemetry_mode", cfg.Telemetry.Mode, "hybrid"},
		{"clearance_mode", cfg.Clearance.Mode, "auto"},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"api_default_addr", cfg.API.Addr, ":8080"},
		{"log_default_level", cfg.Logging.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MF_MQTT__BROKER", "tcp://broker.prod:1883")
	t.Setenv("MF_LOGGING__LEVEL", "debug")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker.prod:1883" {
		t.Errorf("env override not applied: %s", cfg.MQTT.Broker)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override not applied: %s", cfg.Logging.Level)
	}
}

func TestLoadRejectsBadLedgerBackend(t *testing.T) {
	data := validYAML + `
`
	cfg := writeConfig(t, data)
	t.Setenv("MF_LEDGER__BACKEND", "postgres")
	if _, err := Load(cfg); err == nil {
		t.Fatal("expected error for unknown ledger backend")
	}
}

func TestLoadRejectsMissingArea(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: \"tcp://x:1883\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when routing area is missing")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
