package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HubConfig is the top-level YAML configuration consumed at startup:
// automations, scenes, the plugin directory, and the auth token env var
// name. Schemas are stable collaborator input; this loader only
// validates structurally.
type HubConfig struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	WebSocket struct {
		Addr string `yaml:"addr"`
	} `yaml:"websocket"`
	Auth struct {
		TokenEnvVar string `yaml:"token_env_var"`
		// JWTSecretEnvVar switches the bearer check from a static shared
		// token to HS256-signed JWTs (golang-jwt/jwt/v5), carrying a
		// "role" claim consumed by httputil.RequireAdminRole. Leave empty
		// to use TokenEnvVar's static-token mode.
		JWTSecretEnvVar string `yaml:"jwt_secret_env_var"`
	} `yaml:"auth"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Plugins struct {
		Directory    string `yaml:"directory"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"plugins"`
	Journal struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"journal"`
	EventBus struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"event_bus"`
	Location struct {
		Latitude       float64 `yaml:"latitude"`
		Longitude      float64 `yaml:"longitude"`
		TimezoneOffset float64 `yaml:"timezone_offset_hours"`
	} `yaml:"location"`
	// SimSpeed scales delay-action sleeps for accelerated test/demo runs,
	// per §4.2's "Sleep by HH:MM:SS or seconds; scaled by sim_speed if >1".
	SimSpeed       float64 `yaml:"sim_speed"`
	AutomationsFile string `yaml:"automations_file"`
	ScenesFile      string `yaml:"scenes_file"`
}

// The automations and scenes files are decoded by cmd/hub into
// automation.Automation and automation.Scene values; this package only
// knows their file paths.

// LoadHubConfig reads and validates the hub's top-level YAML config. A
// malformed file is fatal at startup per the spec's error handling table
// ("Bad YAML → Fatal at startup").
func LoadHubConfig(path string) (*HubConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hub config: %w", err)
	}
	var cfg HubConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse hub config: %w", err)
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8123"
	}
	if cfg.WebSocket.Addr == "" {
		cfg.WebSocket.Addr = cfg.HTTP.Addr
	}
	if cfg.Journal.RetentionDays <= 0 {
		cfg.Journal.RetentionDays = 10
	}
	if cfg.EventBus.Capacity <= 0 {
		cfg.EventBus.Capacity = 256
	}
	if cfg.Plugins.PollInterval == "" {
		cfg.Plugins.PollInterval = "60s"
	}
	if cfg.SimSpeed <= 0 {
		cfg.SimSpeed = 1
	}
	return &cfg, nil
}
