/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
The SDK builds its Configuration from one of these, so settings can come from
a YAML or JSON file, a .env file, or the process environment without the
caller writing any parsing code.

# Basic Usage

	cfg := config.New(map[string]any{
	    "flush_interval": "30s",
	    "batch_size":     20,
	    "auto_flush":     true,
	})

	interval := cfg.Duration("flush_interval", time.Minute) // 30s
	batch := cfg.Int("batch_size", 50)                      // 20
	auto := cfg.Bool("auto_flush", false)                   // true

# Loading

	cfg, err := config.FromFile("mixpanel.yaml")

	// MIXPANEL_TOKEN, MIXPANEL_BATCH_SIZE, ... from .env and the environment
	cfg, err = config.FromEnv("MIXPANEL_", ".env")

	// File values overridden by environment values
	cfg = fileCfg.Merge(envCfg)

# Type Coercion

Environment values are strings, so Int, Bool and Duration parse strings too.
Duration treats a bare number as seconds.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
