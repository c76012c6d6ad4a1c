// Package config manages proxy configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with yaml support for values like "500ms".
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and plain millisecond integers.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if ms, err := strconv.Atoi(text); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateClass bounds one coalesced downstream event class.
type RateClass struct {
	Interval Duration `yaml:"interval"`
	Max      int      `yaml:"max"`
}

// AggregatorConfig sets per-class rate limits and the shared flush delay.
type AggregatorConfig struct {
	FlushDelay Duration             `yaml:"flushDelay"`
	Classes    map[string]RateClass `yaml:"classes"`
}

// TelemetryConfig controls the OpenTelemetry metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// UpstreamConfig describes the single upstream trading endpoint.
type UpstreamConfig struct {
	URL           string   `yaml:"url"`
	PingInterval  Duration `yaml:"pingInterval"`
	ReconnectWait Duration `yaml:"reconnectWait"`
	MaxReconnects int      `yaml:"maxReconnects"`
}

// AppConfig is the root proxy configuration.
type AppConfig struct {
	ListenAddr   string           `yaml:"listenAddr"`
	Upstream     UpstreamConfig   `yaml:"upstream"`
	DefaultAsset string           `yaml:"defaultAsset"`
	Assets       map[string]int   `yaml:"assets"`
	Aggregator   AggregatorConfig `yaml:"aggregator"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
}

// Aggregator class keys. Classes are keyed by canonical downstream name, not
// by the upstream frame name, so aliases share one bucket.
const (
	ClassCandles   = "candles"
	ClassPositions = "positions"
	ClassBalance   = "balance"
	ClassPressure  = "pressure"
)

// Default constructs the built-in configuration.
func Default() AppConfig {
	cfg := AppConfig{
		ListenAddr:   ":8080",
		DefaultAsset: "EURUSD-OTC",
		Upstream: UpstreamConfig{
			URL:           "wss://ws.trade.example.com/echo/websocket",
			PingInterval:  Duration(20 * time.Second),
			ReconnectWait: Duration(4 * time.Second),
			MaxReconnects: 6,
		},
		Assets: defaultAssets(),
		Aggregator: AggregatorConfig{
			FlushDelay: Duration(100 * time.Millisecond),
			Classes: map[string]RateClass{
				ClassCandles:   {Interval: Duration(500 * time.Millisecond), Max: 5},
				ClassPositions: {Interval: Duration(time.Second), Max: 2},
				ClassBalance:   {Interval: Duration(time.Second), Max: 2},
				ClassPressure:  {Interval: Duration(time.Second), Max: 2},
			},
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "optionproxy"},
	}
	return cfg
}

func defaultAssets() map[string]int {
	return map[string]int{
		"EURUSD":     1,
		"EURGBP":     2,
		"GBPJPY":     3,
		"EURJPY":     4,
		"GBPUSD":     5,
		"USDJPY":     6,
		"AUDCAD":     7,
		"NZDUSD":     8,
		"USDCHF":     10,
		"EURUSD-OTC": 76,
		"EURGBP-OTC": 77,
		"USDCHF-OTC": 78,
		"EURJPY-OTC": 79,
		"NZDUSD-OTC": 80,
		"GBPUSD-OTC": 81,
		"GBPJPY-OTC": 84,
		"USDJPY-OTC": 85,
		"AUDCAD-OTC": 86,
	}
}

// LoadOrDefault reads the YAML file at path, falling back to defaults when the
// file does not exist. Environment overrides are applied in both cases.
func LoadOrDefault(path string) (AppConfig, bool, error) {
	cfg := Default()
	loaded := false

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, false, fmt.Errorf("parse config %s: %w", path, err)
		}
		loaded = true
	case os.IsNotExist(err):
	default:
		return AppConfig{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, loaded, err
	}
	return cfg, loaded, nil
}

func (c *AppConfig) applyEnv() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.ListenAddr = ":" + port
	}
	if url := strings.TrimSpace(os.Getenv("PROXY_UPSTREAM_URL")); url != "" {
		c.Upstream.URL = url
	}
	if ep := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); ep != "" {
		c.Telemetry.OTLPEndpoint = ep
	}
}

func (c *AppConfig) withDefaults() {
	def := Default()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.DefaultAsset) == "" {
		c.DefaultAsset = def.DefaultAsset
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		c.Upstream.URL = def.Upstream.URL
	}
	if c.Upstream.PingInterval <= 0 {
		c.Upstream.PingInterval = def.Upstream.PingInterval
	}
	if c.Upstream.ReconnectWait <= 0 {
		c.Upstream.ReconnectWait = def.Upstream.ReconnectWait
	}
	if c.Upstream.MaxReconnects <= 0 {
		c.Upstream.MaxReconnects = def.Upstream.MaxReconnects
	}
	if len(c.Assets) == 0 {
		c.Assets = def.Assets
	}
	if c.Aggregator.FlushDelay <= 0 {
		c.Aggregator.FlushDelay = def.Aggregator.FlushDelay
	}
	if len(c.Aggregator.Classes) == 0 {
		c.Aggregator.Classes = def.Aggregator.Classes
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

// Validate rejects configurations the proxy cannot run with.
func (c *AppConfig) Validate() error {
	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return fmt.Errorf("upstream url must be a websocket endpoint, got %q", c.Upstream.URL)
	}
	if _, ok := c.Assets[c.DefaultAsset]; !ok {
		return fmt.Errorf("default asset %q missing from asset table", c.DefaultAsset)
	}
	for name, class := range c.Aggregator.Classes {
		if class.Max <= 0 {
			return fmt.Errorf("aggregator class %s: max must be > 0", name)
		}
		if class.Interval <= 0 {
			return fmt.Errorf("aggregator class %s: interval must be > 0", name)
		}
	}
	return nil
}
