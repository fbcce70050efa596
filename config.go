// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BRIDGE_"

// Callback policies
const (
	PolicySame = "same" // run completion callbacks on the completing goroutine
	PolicyLoop = "loop" // queue completion callbacks on a single run loop
)

// Config configures a bridge host. An empty address disables its transport;
// MetricsAddr, when set, serves Prometheus metrics at /metrics.
// LuaScript, when set, runs in an embedded Lua surface attached by call
// injection.
type Config struct {
	Name           string    `toml:"name" env:"NAME"`
	ZAPAddr        string    `toml:"zap_addr" env:"ZAP_ADDR"`
	GRPCAddr       string    `toml:"grpc_addr" env:"GRPC_ADDR"`
	JSONAddr       string    `toml:"json_addr" env:"JSON_ADDR"`
	WSAddr         string    `toml:"ws_addr" env:"WS_ADDR"`
	MetricsAddr    string    `toml:"metrics_addr" env:"METRICS_ADDR"`
	CallbackPolicy string    `toml:"callback_policy" env:"CALLBACK_POLICY"`
	LoopCapacity   int       `toml:"loop_capacity" env:"LOOP_CAPACITY"`
	MaxInFlight    int       `toml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	EventBuffer    int       `toml:"event_buffer" env:"EVENT_BUFFER"`
	LuaScript      string    `toml:"lua_script" env:"LUA_SCRIPT"`
	OTelEndpoint   string    `toml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	Log            LogConfig `toml:"log" envPrefix:"LOG_"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Name:           "bridged",
		ZAPAddr:        "127.0.0.1:9650",
		CallbackPolicy: PolicySame,
		LoopCapacity:   1024,
		EventBuffer:    defaultEventBuffer,
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatConsole,
		},
	}
}

// LoadConfig layers the TOML file at path (if any) and BRIDGE_* environment
// variables over DefaultConfig, then validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c Config) Validate() error {
	var errs []error
	if c.ZAPAddr == "" && c.GRPCAddr == "" && c.JSONAddr == "" && c.WSAddr == "" && c.LuaScript == "" {
		errs = append(errs, errors.New("no transport address or lua_script configured"))
	}
	switch c.CallbackPolicy {
	case PolicySame, PolicyLoop:
	default:
		errs = append(errs, fmt.Errorf("callback_policy: want %q or %q, got %q", PolicySame, PolicyLoop, c.CallbackPolicy))
	}
	if c.CallbackPolicy == PolicyLoop && c.LoopCapacity <= 0 {
		errs = append(errs, fmt.Errorf("loop_capacity: must be positive, got %d", c.LoopCapacity))
	}
	if c.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("max_in_flight: must not be negative, got %d", c.MaxInFlight))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer: must be positive, got %d", c.EventBuffer))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
