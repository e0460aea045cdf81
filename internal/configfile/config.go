// Package configfile loads and hot-reloads the engine tunables from a JSON
// file. Files are validated against a schema before they are applied, so a
// bad edit never replaces a working configuration.
package configfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/optimirror/internal/optimirror"
)

const configSchemaURL = "optimirror-config.schema.json"

const configSchema = `{
  "type": "object",
  "properties": {
    "maxRetries": {"type": "integer", "minimum": 1, "maximum": 100},
    "baseDelay": {"type": "string", "minLength": 2},
    "maxDelay": {"type": "string", "minLength": 2},
    "breakerThreshold": {"type": "integer", "minimum": 1, "maximum": 1000},
    "breakerTimeout": {"type": "string", "minLength": 2}
  },
  "additionalProperties": false
}`

// Config mirrors the JSON file shape. Durations are Go duration strings
// ("100ms", "60s"); zero values leave the corresponding setting unchanged.
type Config struct {
	MaxRetries       int    `json:"maxRetries,omitempty"`
	BaseDelay        string `json:"baseDelay,omitempty"`
	MaxDelay         string `json:"maxDelay,omitempty"`
	BreakerThreshold int    `json:"breakerThreshold,omitempty"`
	BreakerTimeout   string `json:"breakerTimeout,omitempty"`
}

var (
	schemaOnce sync.Once
	schemaErr  error
	schema     *jsonschema.Schema
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(configSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile(configSchemaURL)
	})
	return schema, schemaErr
}

// Load reads, validates, and parses the config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse validates raw JSON against the config schema and decodes it.
func Parse(data []byte) (Config, error) {
	compiled, err := compiledSchema()
	if err != nil {
		return Config{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("invalid config JSON: %w", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return Config{}, fmt.Errorf("config failed schema validation: %w", err)
	}
	var cfg Config
	if err := decodeStrict(data, &cfg); err != nil {
		return Config{}, err
	}
	if _, err := cfg.Settings(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Settings converts the file shape to coordinator settings. Unset fields
// stay zero and are ignored by ApplySettings.
func (c Config) Settings() (optimirror.Settings, error) {
	settings := optimirror.Settings{
		MaxRetries:       c.MaxRetries,
		BreakerThreshold: c.BreakerThreshold,
	}
	var err error
	if settings.BaseDelay, err = parseOptionalDuration("baseDelay", c.BaseDelay); err != nil {
		return optimirror.Settings{}, err
	}
	if settings.MaxDelay, err = parseOptionalDuration("maxDelay", c.MaxDelay); err != nil {
		return optimirror.Settings{}, err
	}
	if settings.BreakerTimeout, err = parseOptionalDuration("breakerTimeout", c.BreakerTimeout); err != nil {
		return optimirror.Settings{}, err
	}
	if settings.BaseDelay > 0 && settings.MaxDelay > 0 && settings.BaseDelay > settings.MaxDelay {
		return optimirror.Settings{}, fmt.Errorf("baseDelay %s exceeds maxDelay %s", settings.BaseDelay, settings.MaxDelay)
	}
	return settings, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid config JSON: %w", err)
	}
	return nil
}

func parseOptionalDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", field)
	}
	return value, nil
}
