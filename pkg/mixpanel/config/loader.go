package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json, .env
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	case ".env":
		return FromDotenv(data, "")
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// FromDotenv parses KEY=value lines. Only keys starting with prefix are kept;
// the prefix is stripped and the remainder lower-cased, so with prefix
// "MIXPANEL_" the line MIXPANEL_BATCH_SIZE=20 becomes batch_size: "20".
func FromDotenv(data []byte, prefix string) (Config, error) {
	env, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse dotenv: %w", err)
	}
	return fromEnvMap(env, prefix), nil
}

// FromEnv builds a Config from the process environment. Each file in files
// is read with godotenv first; process variables override file values.
// Missing files are skipped.
func FromEnv(prefix string, files ...string) (Config, error) {
	env := make(map[string]string)
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		fileEnv, err := godotenv.Read(f)
		if err != nil {
			return Config{}, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	return fromEnvMap(env, prefix), nil
}

func fromEnvMap(env map[string]string, prefix string) Config {
	m := make(map[string]any)
	for k, v := range env {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix))
		if key == "" {
			continue
		}
		m[key] = v
	}
	return New(m)
}
