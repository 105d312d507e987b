package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/keybridge/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEYBRIDGE"

// Default values applied before any layer.
const (
	DefaultHTTPAddr    = ":8080"
	DefaultInjectRate  = 50
	DefaultInjectBurst = 100
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables structural and schema validation of the result
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load reads every layer and deep merges them over the defaults. With
// validation enabled the merged document is schema checked, then decoded,
// then environment overrides apply before the structural checks.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	if l.validation {
		if err := ValidateSchema(merged); err != nil {
			return nil, err
		}
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode config")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes one in-memory document, "json" or "yaml", over the defaults
// and validates it. Environment overrides are not applied.
func Parse(data []byte, format string) (*Config, error) {
	if len(data) > maxConfigSize {
		return nil, errors.WrapInvalid(fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize),
			"Config", "Parse", "size check")
	}
	raw, err := parseRaw(data, format)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "parse document")
	}
	parseDurations(raw)

	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Parse", "encode defaults")
	}
	merged = deepMergeMaps(merged, raw)
	if err := ValidateSchema(merged); err != nil {
		return nil, err
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration every layer is merged over.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{
			Addr:        DefaultHTTPAddr,
			InjectRate:  DefaultInjectRate,
			InjectBurst: DefaultInjectBurst,
		},
		Flow: FlowConfig{
			Workers:   DefaultWorkers,
			QueueSize: DefaultQueueSize,
		},
		Sessions: map[string]SessionConfig{},
		Nodes:    map[string]NodeConfig{},
	}
}

func formatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	}
	return "", fmt.Errorf("only JSON or YAML config files allowed: %s", path)
}

// loadRaw reads one layer into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	raw, err := parseRaw(data, format)
	if err != nil {
		return nil, err
	}
	parseDurations(raw)
	return raw, nil
}

func parseRaw(data []byte, format string) (map[string]any, error) {
	var raw map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
		if err := checkDepth(raw, 0); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func checkDepth(v any, depth int) error {
	if depth > maxJSONDepth {
		return fmt.Errorf("nesting too deep: %d > %d", depth, maxJSONDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseDurations converts session connect timeouts to nanoseconds. Strings
// use Go duration syntax, bare numbers are milliseconds.
func parseDurations(data map[string]any) {
	sessions, ok := data["sessions"].(map[string]any)
	if !ok {
		return
	}
	for _, s := range sessions {
		sess, ok := s.(map[string]any)
		if !ok {
			continue
		}
		switch v := sess["connect_timeout"].(type) {
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				sess["connect_timeout"] = d.Nanoseconds()
			}
		case float64:
			sess["connect_timeout"] = int64(v * float64(time.Millisecond))
		case int:
			sess["connect_timeout"] = int64(v) * int64(time.Millisecond)
		}
	}
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Sessions == nil {
		cfg.Sessions = map[string]SessionConfig{}
	}
	if cfg.Nodes == nil {
		cfg.Nodes = map[string]NodeConfig{}
	}
	return &cfg, nil
}

// applyEnvOverrides applies KEYBRIDGE_* overrides. Session fields use
// KEYBRIDGE_SESSION_<NAME>_<FIELD> with the name upper-cased and every
// character outside [A-Z0-9] replaced by an underscore.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	get := func(key string) (string, bool) {
		key = l.envPrefix + "_" + key
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return "", false
		}
		return val, true
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := get("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get("FLOW_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_FLOW_WORKERS: %w", l.envPrefix, err)
		}
		cfg.Flow.Workers = n
	}

	for name, s := range cfg.Sessions {
		prefix := "SESSION_" + envName(name) + "_"
		if v, ok := get(prefix + "LOCATOR"); ok {
			s.Locator = v
		}
		if v, ok := get(prefix + "USERNAME"); ok {
			s.Username = v
		}
		if v, ok := get(prefix + "PASSWORD"); ok {
			s.Password = v
		}
		if v, ok := get(prefix + "TOKEN"); ok {
			s.Token = v
		}
		cfg.Sessions[name] = s
	}
	return firstErr
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
