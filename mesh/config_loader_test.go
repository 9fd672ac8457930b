package mesh

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `registration:
  stiffnessSchedule: [50, 10, 2]
  gamma: 0.5
  innerIterations: 2
  rejectionDistance: 0.25
  normalWeighting: true
  normalAngleThreshold: 0.5
  projectToTarget: false
rigid:
  enabled: true
  maxIterations: 20
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: fit
  clientId: meshfit-test
render:
  view: side
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %q, want mention of missing file", err)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	reg := cfg.Registration
	if len(reg.StiffnessSchedule) != 3 || reg.StiffnessSchedule[0] != 50 || reg.StiffnessSchedule[2] != 2 {
		t.Errorf("StiffnessSchedule = %v, want [50 10 2]", reg.StiffnessSchedule)
	}
	if reg.Gamma != 0.5 || reg.InnerIterations != 2 || reg.RejectionDistance != 0.25 {
		t.Errorf("registration = %+v", reg)
	}
	if !reg.NormalWeighting || reg.ProjectToTarget {
		t.Errorf("NormalWeighting=%v ProjectToTarget=%v, want true/false", reg.NormalWeighting, reg.ProjectToTarget)
	}
	if !cfg.Rigid.Enabled || cfg.Rigid.MaxIterations != 20 {
		t.Errorf("rigid = %+v", cfg.Rigid)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q, want %q", cfg.MQTT.Broker, "tcp://localhost:1883")
	}
	if cfg.Render.View != ViewSide {
		t.Errorf("View = %q, want %q", cfg.Render.View, ViewSide)
	}
}

func TestLoadConfig_DefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://b:1883\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if len(cfg.Registration.StiffnessSchedule) != 20 {
		t.Errorf("default schedule length = %d, want 20", len(cfg.Registration.StiffnessSchedule))
	}
	if cfg.Registration.InnerIterations != def.Registration.InnerIterations {
		t.Errorf("InnerIterations = %d, want %d", cfg.Registration.InnerIterations, def.Registration.InnerIterations)
	}
	if math.Abs(cfg.Registration.NormalAngleThreshold-math.Pi/4) > 1e-15 {
		t.Errorf("NormalAngleThreshold = %v, want π/4", cfg.Registration.NormalAngleThreshold)
	}
	if !cfg.Registration.ProjectToTarget {
		t.Error("ProjectToTarget should default to true")
	}
	if cfg.MQTT.PublishPrefix != "meshfit" {
		t.Errorf("PublishPrefix = %q, want meshfit", cfg.MQTT.PublishPrefix)
	}
	if cfg.Render.Width != 800 || cfg.Render.View != ViewFront {
		t.Errorf("render = %+v", cfg.Render)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "increasing schedule",
			yaml: "registration:\n  stiffnessSchedule: [1, 2]\n",
		},
		{
			name: "zero inner iterations",
			yaml: "registration:\n  innerIterations: 0\n",
		},
		{
			name: "negative rejection distance",
			yaml: "registration:\n  rejectionDistance: -1\n",
		},
		{
			name: "bad rigid percentile",
			yaml: "rigid:\n  outlierPercentile: 2\n",
		},
		{
			name: "unknown view",
			yaml: "render:\n  view: isometric\n",
		},
		{
			name: "zero width",
			yaml: "render:\n  width: 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "registration: [unclosed\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

// ---------------------------------------------------------------------------
// SaveConfig
// ---------------------------------------------------------------------------

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registration.StiffnessSchedule = []float64{100, 10, 1}
	cfg.Rigid.Enabled = true
	cfg.MQTT.Broker = "tcp://broker:1883"
	cfg.Render.View = ViewTop

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(loaded.Registration.StiffnessSchedule) != 3 || loaded.Registration.StiffnessSchedule[1] != 10 {
		t.Errorf("schedule = %v", loaded.Registration.StiffnessSchedule)
	}
	if !loaded.Rigid.Enabled || loaded.MQTT.Broker != "tcp://broker:1883" || loaded.Render.View != ViewTop {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSaveConfig_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "out.yaml")
	if err := SaveConfig(path, DefaultConfig()); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
}

// ---------------------------------------------------------------------------
// ApplyEnv
// ---------------------------------------------------------------------------

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "envprefix")
	t.Setenv("MQTT_CLIENT_ID", "")

	cfg := DefaultConfig()
	cfg.MQTT.ClientID = "fromfile"
	cfg.ApplyEnv()

	if cfg.MQTT.Broker != "tcp://env:1883" {
		t.Errorf("Broker = %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.PublishPrefix != "envprefix" {
		t.Errorf("PublishPrefix = %q", cfg.MQTT.PublishPrefix)
	}
	if cfg.MQTT.ClientID != "fromfile" {
		t.Errorf("ClientID = %q, empty env must not override", cfg.MQTT.ClientID)
	}
}
