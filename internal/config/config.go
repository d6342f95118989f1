// Package config resolves lspd's daemon-level settings from a TOML file,
// environment variables, and built-in defaults, in that order of
// decreasing priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lspd/lspd/internal/config/loader"
)

// Config holds daemon-level settings. It does not carry any per-server
// spec data; that lives in the registry package.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// IdleDelay is how long the mux waits after the last client
	// disconnects before killing the server child. Default 500ms.
	IdleDelay time.Duration

	// DiagnosticsDebounce overrides a server spec's default debounce
	// interval for the pull-to-push bridge, when non-zero.
	DiagnosticsDebounce time.Duration

	// SocketDialTimeout bounds how long `connect` waits for a daemon it
	// has just spawned to start accepting on its socket. The first probe
	// of an already running daemon uses a fixed 200ms dial timeout.
	SocketDialTimeout time.Duration

	// CacheDir is the root of the per-user cache directory under which
	// daemon subdirectories (socket, pidfile, metadata, log) live.
	CacheDir string
}

// Default returns the built-in configuration.
func Default() Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		LogLevel:            "info",
		IdleDelay:           500 * time.Millisecond,
		DiagnosticsDebounce: 0,
		SocketDialTimeout:   2 * time.Second,
		CacheDir:            filepath.Join(dir, "lspd"),
	}
}

// Load starts from the built-in defaults, overlays LSPD_* environment
// variables, then overlays tomlPath (if non-empty and present): file
// values win over environment, environment wins over built-in defaults.
func Load(tomlPath string) (Config, error) {
	cfg := Default()

	envData, err := loader.NewEnvLoader("LSPD_").Load()
	if err != nil {
		return cfg, fmt.Errorf("loading env config: %w", err)
	}
	applyMap(&cfg, envData)

	if tomlPath != "" {
		tomlData, err := loader.NewTOMLLoader(tomlPath).Load()
		if err != nil {
			return cfg, fmt.Errorf("loading %s: %w", tomlPath, err)
		}
		applyMap(&cfg, tomlData)
	}

	return cfg, nil
}

// applyMap overlays values found at well-known dotted paths onto cfg.
// Unrecognized keys are ignored; this keeps config files forward
// compatible with daemon versions that don't know about a new field yet.
func applyMap(cfg *Config, data map[string]any) {
	if data == nil {
		return
	}
	if v, ok := lookup(data, "logging", "level"); ok {
		if s, ok := v.(string); ok {
			cfg.LogLevel = s
		}
	}
	if v, ok := lookup(data, "daemon", "idleDelay"); ok {
		if d, ok := asDuration(v); ok {
			cfg.IdleDelay = d
		}
	}
	if v, ok := lookup(data, "daemon", "diagnosticsDebounce"); ok {
		if d, ok := asDuration(v); ok {
			cfg.DiagnosticsDebounce = d
		}
	}
	if v, ok := lookup(data, "daemon", "socketDialTimeout"); ok {
		if d, ok := asDuration(v); ok {
			cfg.SocketDialTimeout = d
		}
	}
	if v, ok := lookup(data, "paths", "cacheDir"); ok {
		if s, ok := v.(string); ok {
			cfg.CacheDir = s
		}
	}
}

func lookup(data map[string]any, section, key string) (any, bool) {
	sub, ok := data[section].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := sub[key]
	return v, ok
}

func asDuration(v any) (time.Duration, bool) {
	switch x := v.(type) {
	case time.Duration:
		return x, true
	case int64:
		return time.Duration(x) * time.Millisecond, true
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, false
		}
		return d, true
	default:
		return 0, false
	}
}
