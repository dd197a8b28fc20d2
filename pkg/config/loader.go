package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces every environment variable read by the loader.
const envPrefix = "FIELDLINE_"

// loader builds a validated Config from defaults and environment variables.
type loader struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
}

// NewLoader creates a configuration loader with validation support.
func NewLoader() *loader {
	return &loader{
		koanf:     koanf.New("."),
		validator: validator.New(),
	}
}

// Load loads configuration with precedence: defaults < environment.
func (l *loader) Load(_ context.Context) (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, err
	}
	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}
	return l.unmarshalAndValidate()
}

// loadDefaults loads the default configuration via the structs provider so
// defaults and struct tags never drift apart.
func (l *loader) loadDefaults() error {
	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	return nil
}

// transformEnvKey converts environment variable names to koanf paths.
// For example: INGEST_CHUNK_TTL -> ingest.chunk_ttl
func transformEnvKey(s string) string {
	s = strings.ToLower(s)
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' })
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// loadEnvironment loads configuration overrides from environment variables.
func (l *loader) loadEnvironment() error {
	if err := l.koanf.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key string, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			return transformEnvKey(key), value
		},
	}), nil); err != nil {
		return fmt.Errorf("failed to load environment: %w", err)
	}
	return nil
}

// durationDecodeHook converts string values such as "60s" to time.Duration.
func durationDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	if s, ok := data.(string); ok {
		return time.ParseDuration(s)
	}
	return data, nil
}

// unmarshalAndValidate decodes the merged keys into Config and validates it.
func (l *loader) unmarshalAndValidate() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationDecodeHook),
			Result:           cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.validator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load is a convenience wrapper that builds the config in one call.
func Load(ctx context.Context) (*Config, error) {
	return NewLoader().Load(ctx)
}
