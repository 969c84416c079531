package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the daemon configuration loaded from YAML.
type File struct {
	Listen         string             `yaml:"listen"`
	DiscoveryTTL   time.Duration      `yaml:"discovery_ttl"`
	HealthInterval time.Duration      `yaml:"health_interval"`
	DownThreshold  int                `yaml:"down_threshold"`
	BaseTimeout    time.Duration      `yaml:"base_timeout"`
	GlobalTimeout  time.Duration      `yaml:"global_timeout"`
	ApprovalTTL    time.Duration      `yaml:"approval_ttl"`
	ApprovalDB     string             `yaml:"approval_db"`
	SessionTTL     time.Duration      `yaml:"session_ttl"`
	Servers        []ServerDescriptor `yaml:"servers"`
}

// Defaults returns a File populated with the documented defaults.
func Defaults() File {
	return File{
		Listen:         ":8377",
		DiscoveryTTL:   60 * time.Second,
		HealthInterval: 30 * time.Second,
		DownThreshold:  3,
		BaseTimeout:    10 * time.Second,
		GlobalTimeout:  60 * time.Second,
		ApprovalTTL:    30 * time.Minute,
		SessionTTL:     15 * time.Minute,
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (File, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}
