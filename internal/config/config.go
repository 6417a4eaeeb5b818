// Package config provides configuration for the pathvis daemons.
//
// All fields have working defaults so every binary runs without a config
// file. Config file locations (priority order):
//  1. $PATHVIS_CONFIG
//  2. ./pathvis.yaml
//  3. ~/.config/pathvis/config.yaml
//  4. /etc/pathvis/config.yaml
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		return DefaultConfig(), "", nil
	}

	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path. Unknown keys are an
// error so typos surface at startup instead of silently using defaults.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	return cfg, path, nil
}

// DefaultConfig returns the defaults for a fresh installation
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Feed.Listen == "" {
		c.Feed.Listen = ":8765"
	}
	if c.Feed.URL == "" {
		c.Feed.URL = "ws://localhost:8765"
	}
	if c.Feed.PublishInterval == 0 {
		c.Feed.PublishInterval = Seconds(1)
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Engine.History == 0 {
		c.Engine.History = 50
	}
	if c.Tracer.Listen == "" {
		c.Tracer.Listen = ":8766"
	}
	if c.Tracer.UpdateInterval == 0 {
		c.Tracer.UpdateInterval = Seconds(10)
	}
	if c.Tracer.TraceInterval == 0 {
		c.Tracer.TraceInterval = Seconds(5)
	}
	if c.Tracer.GiveUp == 0 {
		c.Tracer.GiveUp = 5
	}
	if c.Tracer.MaxBackoff == 0 {
		c.Tracer.MaxBackoff = Seconds(60)
	}
	if c.Enrich.CachePath == "" {
		c.Enrich.CachePath = "./pathvis.db"
	}
	if c.Enrich.CacheTTL == 0 {
		c.Enrich.CacheTTL = Seconds(3600)
	}
	if c.Enrich.Workers == 0 {
		c.Enrich.Workers = 5
	}
	if c.Enrich.RDAPURL == "" {
		c.Enrich.RDAPURL = "https://rdap.org/ip"
	}
	if c.RPKI.URL == "" {
		c.RPKI.URL = "https://console.rpki-client.org/vrps.json"
	}
	if c.RPKI.DBPath == "" {
		c.RPKI.DBPath = "./vrps.db"
	}
	if c.RPKI.MaxAge == 0 {
		c.RPKI.MaxAge = Seconds(7 * 24 * 3600)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
