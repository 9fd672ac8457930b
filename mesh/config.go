package mesh

import (
	"fmt"
	"os"
)

// Config is the unified configuration file
type Config struct {
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Rigid        RigidConfig        `yaml:"rigid" json:"rigid"`
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Render       RenderConfig       `yaml:"render" json:"render"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// RenderConfig controls preview rendering
type RenderConfig struct {
	Width      int     `yaml:"width" json:"width"`           // Pixels
	Height     int     `yaml:"height" json:"height"`         // Pixels
	View       string  `yaml:"view" json:"view"`             // front | side | top
	Resolution float64 `yaml:"resolution" json:"resolution"` // PNG DPI
}

// Projection views
const (
	ViewFront = "front" // x right, y up
	ViewSide  = "side"  // z right, y up
	ViewTop   = "top"   // x right, z down
)

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Registration: DefaultRegistrationConfig(),
		Rigid:        DefaultRigidConfig(),
		MQTT: MQTTConfig{
			PublishPrefix: "meshfit",
			ClientID:      "meshfit",
		},
		Render: RenderConfig{
			Width:      800,
			Height:     800,
			View:       ViewFront,
			Resolution: 96,
		},
	}
}

// Validate checks every section of the config
func (c *Config) Validate() error {
	if err := c.Registration.Validate(); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	if err := c.Rigid.Validate(); err != nil {
		return err
	}
	if err := c.Render.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks the render settings
func (r RenderConfig) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: render size %dx%d", ErrInvalidConfig, r.Width, r.Height)
	}
	switch r.View {
	case ViewFront, ViewSide, ViewTop:
	default:
		return fmt.Errorf("%w: render.view %q (want front, side or top)", ErrInvalidConfig, r.View)
	}
	if r.Resolution <= 0 {
		return fmt.Errorf("%w: render.resolution = %v", ErrInvalidConfig, r.Resolution)
	}
	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX when they are set
func (c *Config) ApplyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.MQTT.Broker, "MQTT_BROKER")
	override(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	override(&c.MQTT.Username, "MQTT_USERNAME")
	override(&c.MQTT.Password, "MQTT_PASSWORD")
	override(&c.MQTT.PublishPrefix, "MQTT_PUBLISH_PREFIX")
}
