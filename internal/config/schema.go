package config

import (
	"time"
)

// Config is the root configuration structure shared by all pathvis binaries.
// Each daemon reads the sections it needs and ignores the rest.
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	API     APIConfig     `yaml:"api"`
	Engine  EngineConfig  `yaml:"engine"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Vantage VantageConfig `yaml:"vantage,omitempty"`
	Enrich  EnrichConfig  `yaml:"enrich"`
	RPKI    RPKIConfig    `yaml:"rpki"`
	CNames  CNamesConfig  `yaml:"cnames,omitempty"`
	Log     LogConfig     `yaml:"log"`
}

// FeedConfig describes the trace feed: where tracerd serves it and
// where pathvisd and the TUI connect.
type FeedConfig struct {
	Listen          string   `yaml:"listen"`
	URL             string   `yaml:"url"`
	PublishInterval Duration `yaml:"publish_interval"`
}

// APIConfig holds the engine HTTP listener settings
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// EngineConfig tunes the graph engine
type EngineConfig struct {
	// History caps the path-change ledger; oldest records are evicted.
	History int `yaml:"history"`
	// Destinations is the initial visibility allow-list. Empty shows all.
	Destinations []string `yaml:"destinations,omitempty"`
}

// TracerConfig tunes the measurement producer
type TracerConfig struct {
	Listen         string   `yaml:"listen"`
	UpdateInterval Duration `yaml:"update_interval"`
	TraceInterval  Duration `yaml:"trace_interval"`
	// GiveUp stops a traceroute after this many consecutive unresolved hops.
	GiveUp     int      `yaml:"give_up"`
	MaxBackoff Duration `yaml:"max_backoff"`
	// Proto pins the probe protocol. Empty cycles icmp, udp and tcp as
	// far as privileges allow.
	Proto    string `yaml:"proto,omitempty"`
	IPv4Only bool   `yaml:"ipv4_only"`
	// Mock replaces connection discovery with a canned host list.
	Mock bool `yaml:"mock"`
}

// VantageConfig configures an optional SSH vantage point. When Addr is
// set, traceroutes execute on the remote host instead of locally.
type VantageConfig struct {
	Addr       string `yaml:"addr,omitempty"`
	User       string `yaml:"user,omitempty"`
	SSHKeyPath string `yaml:"ssh_key_path,omitempty"`
}

// EnrichConfig tunes hop enrichment and its cache
type EnrichConfig struct {
	CachePath string   `yaml:"cache_path"`
	CacheTTL  Duration `yaml:"cache_ttl"`
	Workers   int      `yaml:"workers"`
	RDAPURL   string   `yaml:"rdap_url"`
}

// RPKIConfig locates the VRP snapshot used for ROA validation
type RPKIConfig struct {
	URL    string   `yaml:"url"`
	DBPath string   `yaml:"db_path"`
	MaxAge Duration `yaml:"max_age"`
}

// CNamesConfig enables CNAME collection from a dnsmasq query log.
// Disabled when LogPath is empty.
type CNamesConfig struct {
	LogPath string `yaml:"log_path,omitempty"`
}

// LogConfig holds logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// Seconds builds a Duration from a second count
func Seconds(n int) Duration {
	return Duration(time.Duration(n) * time.Second)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
