// Package server exposes the orchestrator over HTTP.
package server

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clearbrook-ai/conductor"
)

// BackendConfig declares one capability provider in the service config.
type BackendConfig struct {
	Name         string   `mapstructure:"name"`
	Endpoint     string   `mapstructure:"endpoint"`
	Capabilities []string `mapstructure:"capabilities"`
	Domains      []string `mapstructure:"domains"`
	Priority     int      `mapstructure:"priority"`
}

// Config holds the configuration for the orchestrator service.
type Config struct {
	Listen        string `mapstructure:"listen"`
	TemplateDir   string `mapstructure:"template_dir"`
	LogLevel      string `mapstructure:"log_level"`
	LogJSON       bool   `mapstructure:"log_json"`
	AttemptLogDir string `mapstructure:"attempt_log_dir"`

	Workers             int           `mapstructure:"workers"`
	PerCandidateTimeout time.Duration `mapstructure:"per_candidate_timeout"`
	CeilingFactor       int           `mapstructure:"ceiling_factor"`
	Retention           time.Duration `mapstructure:"retention"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`

	Backends []BackendConfig `mapstructure:"backends"`

	Archive struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"archive"`
}

// LoadConfig loads the service configuration from a file and the
// environment. Environment variables use the CONDUCTOR_ prefix.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", ":8080")
	v.SetDefault("workers", 4)
	v.SetDefault("per_candidate_timeout", 10*time.Second)
	v.SetDefault("ceiling_factor", 4)
	v.SetDefault("retention", time.Hour)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("health_interval", 30*time.Second)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus environment apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Candidates converts the configured backends into registry candidates.
func (c *Config) Candidates() []conductor.BackendCandidate {
	candidates := make([]conductor.BackendCandidate, 0, len(c.Backends))
	for _, backend := range c.Backends {
		candidates = append(candidates, conductor.BackendCandidate{
			Name:         backend.Name,
			Endpoint:     backend.Endpoint,
			Capabilities: backend.Capabilities,
			Domains:      backend.Domains,
			Priority:     backend.Priority,
		})
	}
	return candidates
}
