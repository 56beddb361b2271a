package modkit

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envPrefix namespaces the runtime's environment variables.
const envPrefix = "MODKIT"

// RuntimeConfig holds the runtime's own tunables. Struct defaults come from
// the `default` tags; environment variables named MODKIT_<ENV> override
// them. Per-module configuration is separate and validated against the
// module's own configSchema.
type RuntimeConfig struct {
	// SandboxTimeout bounds a sandboxed execution when the module's limits
	// carry no timeout of their own.
	SandboxTimeout time.Duration `default:"5s" env:"SANDBOX_TIMEOUT"`

	// MaxScriptSize bounds the byte size of scripts handed to sandboxes.
	MaxScriptSize int `default:"262144" env:"MAX_SCRIPT_SIZE"`

	// ChannelCapacity is the per-direction buffer of inter-sandbox channels.
	ChannelCapacity int `default:"64" env:"CHANNEL_CAPACITY"`

	// SweepSchedule is the cron schedule of the maintenance sweeper.
	SweepSchedule string `default:"@every 1m" env:"SWEEP_SCHEDULE"`

	// ModulePaths are the default discovery roots, colon separated in the
	// environment.
	ModulePaths []string `env:"MODULE_PATHS"`
}

// NewRuntimeConfig builds a config from defaults and the environment.
func NewRuntimeConfig() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := feedFromEnv(cfg, envPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields from their `default` tags.
func applyDefaults(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return ErrConfigInvalidStructure
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		tag, ok := rt.Field(i).Tag.Lookup("default")
		if !ok || !field.IsZero() {
			continue
		}
		if err := setFieldFromString(field, tag); err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrConfigDefaultValue, rt.Field(i).Name, err)
		}
	}
	return nil
}

// feedFromEnv overrides fields from PREFIX_<env tag> environment variables.
func feedFromEnv(structure any, prefix string) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return ErrConfigInvalidStructure
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		envTag, ok := rt.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		name := strings.ToUpper(envTag)
		if prefix != "" {
			name = strings.ToUpper(prefix) + "_" + name
		}
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setFieldFromString(field, value); err != nil {
			return fmt.Errorf("error in field '%s': %w", rt.Field(i).Name, err)
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	// Durations and string slices are common enough in runtime config to
	// handle directly; everything else goes through cast.
	switch field.Interface().(type) {
	case time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.Set(reflect.ValueOf(d))
		return nil
	case []string:
		parts := strings.Split(value, ":")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
		return nil
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}

// ValidateModuleConfig validates a module config value against the module's
// declared configSchema. A module without a schema accepts any config.
// Violations are reported as ErrConfigSchemaViolation with the validator's
// detail attached.
func ValidateModuleConfig(schema map[string]any, config map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("module-config.json", normalizeJSONValue(schema)); err != nil {
		return fmt.Errorf("%w: invalid schema: %v", ErrConfigSchemaViolation, err)
	}
	compiled, err := compiler.Compile("module-config.json")
	if err != nil {
		return fmt.Errorf("%w: invalid schema: %v", ErrConfigSchemaViolation, err)
	}

	if config == nil {
		config = map[string]any{}
	}
	if err := compiled.Validate(normalizeJSONValue(config)); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigSchemaViolation, err)
	}
	return nil
}

// normalizeJSONValue rewrites a decoded value into the shapes the schema
// validator expects (map[string]any, []any, float64 for numbers). Manifests
// parsed from YAML or TOML can carry other concrete types.
func normalizeJSONValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = normalizeJSONValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[fmt.Sprintf("%v", k)] = normalizeJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalizeJSONValue(val)
		}
		return out
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	case float32:
		return float64(tv)
	default:
		return v
	}
}
