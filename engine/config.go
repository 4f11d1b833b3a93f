package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BaseMillisConfig holds the per-class protocol base delay, the fixed term
// in spec §4.6's `sleep(base_write_to_read_millis * user_mult * m, ...)`
// product. The spec leaves these implementation-tunable (as it does for
// retry budgets); the values below follow the commonly cited DDC/MCCS
// timing conventions (see DESIGN.md).
type BaseMillisConfig struct {
	WriteOnly      float64 `yaml:"write_only"`
	WriteRead      float64 `yaml:"write_read"`
	MultiPartRead  float64 `yaml:"multi_part_read"`
	MultiPartWrite float64 `yaml:"multi_part_write"`
}

// DefaultBaseMillis returns the engine's built-in base delays.
func DefaultBaseMillis() BaseMillisConfig {
	return BaseMillisConfig{
		WriteOnly:      10,
		WriteRead:      40,
		MultiPartRead:  40,
		MultiPartWrite: 50,
	}
}

// MaxTriesConfig overrides the per-class default retry budgets (spec §3:
// "Default current on display creation is: 4, 4, 8, 8").
type MaxTriesConfig struct {
	WriteOnly      int `yaml:"write_only"`
	WriteRead      int `yaml:"write_read"`
	MultiPartRead  int `yaml:"multi_part_read"`
	MultiPartWrite int `yaml:"multi_part_write"`
}

// DSAConfig overrides the Dynamic Sleep Adaptor's tunables.
type DSAConfig struct {
	Lookback           int `yaml:"lookback"`
	AdjustmentInterval int `yaml:"adjustment_interval"`
}

// BusConfig names the serial device backing one I²C bus, for
// transport.SerialBridgeTransport.
type BusConfig struct {
	Bus    uint   `yaml:"bus"`
	Device string `yaml:"device"`
}

// SerialDeviceMap converts Buses into the bus-number-to-device-path map
// transport.NewSerialBridgeTransport expects. Returned as a plain map
// rather than a *transport.SerialBridgeTransport to avoid engine/config.go
// importing the transport package just for this conversion.
func (cfg Config) SerialDeviceMap() map[uint]string {
	var out = make(map[uint]string, len(cfg.Buses))
	for _, b := range cfg.Buses {
		out[b.Bus] = b.Device
	}

	return out
}

// Config is the engine's YAML configuration, loaded with gopkg.in/yaml.v3
// the way the teacher loads its tocalls.yaml device-identifier table
// (src/deviceid.go).
type Config struct {
	// CachePath overrides the XDG-derived stats file path; empty uses the
	// default.
	CachePath string `yaml:"cache_path"`

	DSAEnabled     bool    `yaml:"dsa_enabled"`
	UserMultiplier float64 `yaml:"user_multiplier"`

	BaseMillis BaseMillisConfig `yaml:"base_millis"`
	MaxTries   MaxTriesConfig   `yaml:"max_tries"`
	DSA        DSAConfig        `yaml:"dsa"`

	Buses []BusConfig `yaml:"buses"`
}

// DefaultConfig returns a Config with every tunable set to the engine's
// built-in defaults and no buses configured.
func DefaultConfig() Config {
	return Config{
		DSAEnabled:     true,
		UserMultiplier: 1.0,
		BaseMillis:     DefaultBaseMillis(),
		MaxTries: MaxTriesConfig{
			WriteOnly:      4,
			WriteRead:      4,
			MultiPartRead:  8,
			MultiPartWrite: 8,
		},
		DSA: DSAConfig{
			Lookback:           5,
			AdjustmentInterval: 3,
		},
	}
}

// LoadConfig reads and parses a YAML config file, starting from
// DefaultConfig so a partial file only overrides what it mentions. A
// missing file is not an error: it mirrors statscache.Load's "absent file
// means defaults" policy, since a fresh install has no config yet.
func LoadConfig(path string) (Config, error) {
	var cfg = DefaultConfig()

	var data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("engine: read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("engine: parse config %s: %w", path, err)
	}

	return cfg, nil
}
