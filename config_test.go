// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ZAPAddr != DefaultConfig().ZAPAddr || cfg.CallbackPolicy != PolicySame {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
name = "desk"
grpc_addr = "127.0.0.1:9700"
callback_policy = "loop"
max_in_flight = 4

[log]
level = "debug"
format = "json"
`)
	t.Setenv("BRIDGE_ZAP_ADDR", "127.0.0.1:9800")
	t.Setenv("BRIDGE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "desk" || cfg.GRPCAddr != "127.0.0.1:9700" || cfg.MaxInFlight != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.CallbackPolicy != PolicyLoop || cfg.LoopCapacity != DefaultConfig().LoopCapacity {
		t.Fatalf("policy = %q, capacity = %d", cfg.CallbackPolicy, cfg.LoopCapacity)
	}
	if cfg.ZAPAddr != "127.0.0.1:9800" {
		t.Fatalf("env override not applied: %q", cfg.ZAPAddr)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != LogFormatJSON {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, `zap_adr = "127.0.0.1:1"`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "zap_adr") {
		t.Fatalf("err = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZAPAddr = ""
	cfg.CallbackPolicy = "later"
	cfg.MaxInFlight = -1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"no transport address", "callback_policy", "max_in_flight", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfigLuaOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZAPAddr = ""
	cfg.LuaScript = "demo.lua"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("lua-only config rejected: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "bridged", LogConfig{Level: "warn", Format: LogFormatJSON})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["message"] != "loud" || entry["app"] != "bridged" || entry["level"] != "warn" {
		t.Fatalf("entry = %v", entry)
	}

	if _, err := newLogger(&buf, "bridged", LogConfig{Level: "chatty"}); err == nil {
		t.Fatal("bad level accepted")
	}
}
