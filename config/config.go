// Package config loads and validates the configuration structure
// consumed (not parsed) by the core per spec.md §6: a LOGGER section,
// a DEVICES map, and a DEFAULT_CONNECTION fallback.
//
// Grounded on the reference implementation's internal/config/config.go:
// viper-backed loading, a defaultValues struct-of-structs, per-entry
// validation and defaulting, and DDS_-prefixed environment overrides
// (here MOLER_-prefixed).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	LoggerModeWrite  = "write"
	LoggerModeAppend = "append"
)

// Logger configures the three log streams described in spec.md §6.
type Logger struct {
	Path          string `mapstructure:"path"`
	DateFormat    string `mapstructure:"date_format"`
	Mode          string `mapstructure:"mode"`
	RawLog        bool   `mapstructure:"raw_log"`
	ErrorLogStack bool   `mapstructure:"error_log_stack"`
}

// ConnectionDesc selects the transport (io_type, e.g. "local"/"ssh")
// and a named variant of it (e.g. which host profile to dial).
type ConnectionDesc struct {
	IOType  string `mapstructure:"io_type"`
	Variant string `mapstructure:"variant"`
}

// HopConfig is one entry of a device's CONNECTION_HOPS table: the
// command to run (and its params) to move from one state to another.
type HopConfig struct {
	ExecuteCommand string         `mapstructure:"execute_command"`
	CommandParams  map[string]any `mapstructure:"command_params"`
}

// Device is one entry of the DEVICES map.
type Device struct {
	DeviceClass       string                          `mapstructure:"device_class"`
	InitialState      string                          `mapstructure:"initial_state"`
	ClonedFrom        string                          `mapstructure:"cloned_from"`
	ConnectionDesc    *ConnectionDesc                  `mapstructure:"connection_desc"`
	ConnectionHops    map[string]map[string]HopConfig  `mapstructure:"connection_hops"`
	LazyCmdsEvents    bool                             `mapstructure:"lazy_cmds_events"`
	AdditionalParams  map[string]any                   `mapstructure:"additional_params"`
}

// Config is the top-level configuration structure.
type Config struct {
	Logger            Logger            `mapstructure:"logger"`
	Devices           map[string]Device `mapstructure:"devices"`
	DefaultConnection ConnectionDesc    `mapstructure:"default_connection"`
}

var defaults = struct {
	Logger struct {
		Mode       string
		DateFormat string
	}
}{
	Logger: struct {
		Mode       string
		DateFormat string
	}{
		Mode:       LoggerModeAppend,
		DateFormat: "15:04:05.000",
	},
}

// Load reads configuration from path (or the default search
// locations if path is empty), applies defaults, validates required
// fields, and merges each device's connection description with
// DefaultConnection when the device omits its own.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("logger.mode", defaults.Logger.Mode)
	v.SetDefault("logger.date_format", defaults.Logger.DateFormat)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("moler")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.moler")
		v.AddConfigPath("/etc/moler")
	}

	v.SetEnvPrefix("MOLER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("config: at least one device must be defined")
	}
	for name, dev := range cfg.Devices {
		if dev.DeviceClass == "" {
			return fmt.Errorf("device %q: device_class is required", name)
		}
		if dev.InitialState == "" {
			return fmt.Errorf("device %q: initial_state is required", name)
		}
		if dev.ConnectionDesc == nil {
			merged := cfg.DefaultConnection
			dev.ConnectionDesc = &merged
		} else if dev.ConnectionDesc.IOType == "" {
			dev.ConnectionDesc.IOType = cfg.DefaultConnection.IOType
		}
		cfg.Devices[name] = dev
	}
	if cfg.Logger.Mode != LoggerModeWrite && cfg.Logger.Mode != LoggerModeAppend {
		cfg.Logger.Mode = defaults.Logger.Mode
	}
	if cfg.Logger.DateFormat == "" {
		cfg.Logger.DateFormat = defaults.Logger.DateFormat
	}
	return nil
}
