package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Well-known keys
const (
	KeyRequireEncryption = "comm.require-encryption"
	KeyTLSCAFile         = "comm.tls.ca-file"
	KeyTLSCiphers        = "comm.tls.ciphers"
	KeyConnectTimeout    = "comm.timeouts.connect"

	KeySchedulerAddress  = "scheduler-address"
	KeySchedulerFile     = "scheduler-file"
	KeyDiscoveryRedisURL = "scheduler-discovery.redis-url"
	KeyDiscoveryRedisKey = "scheduler-discovery.redis-key"
	KeyDiscoveryDNSAddr  = "scheduler-discovery.dns-server"
	KeyDiscoveryDNSName  = "scheduler-discovery.dns-name"

	KeyDeathTimeout          = "nanny.death-timeout"
	KeyMemoryMonitorInterval = "worker.memory.monitor-interval"
	KeyHeartbeatInterval     = "worker.heartbeat-interval"

	KeyLogLevel = "logging.level"
	KeyLogJSON  = "logging.json"
)

// DefaultEnvPrefix is prepended to environment variable names
const DefaultEnvPrefix = "BURROW_"

// Defaults returns the built-in configuration values
func Defaults() map[string]any {
	return map[string]any{
		KeyRequireEncryption:     false,
		KeyConnectTimeout:        "10s",
		KeyDeathTimeout:          "60s",
		KeyMemoryMonitorInterval: "200ms",
		KeyHeartbeatInterval:     "1s",
		KeyDiscoveryRedisKey:     "burrow:scheduler",
		KeyDiscoveryDNSName:      "scheduler.burrow.",
		KeyLogLevel:              "info",
		KeyLogJSON:               false,
	}
}

// Config is a hierarchical key-value store addressed by dotted keys such as
// "comm.tls.ca-file". Hyphens and underscores inside a key are equivalent.
type Config struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns a Config holding only the defaults
func New() *Config {
	c := &Config{values: make(map[string]any)}
	c.merge(Defaults())
	return c
}

// FromMap returns a Config holding the defaults overlaid with m. Nested maps
// are flattened.
func FromMap(m map[string]any) *Config {
	c := New()
	c.merge(Flatten(m))
	return c
}

// CanonicalKey normalizes a dotted key
func CanonicalKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "_", "-")
}

func (c *Config) merge(m map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.values[CanonicalKey(k)] = v
	}
}

// Set overrides a single key. A nil value removes the key.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key = CanonicalKey(key)
	if value == nil {
		delete(c.values, key)
		return
	}
	c.values[key] = value
}

// Get returns the raw value stored under key
func (c *Config) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[CanonicalKey(key)]
	return v, ok
}

// Keys returns every key currently set, sorted
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &Config{values: make(map[string]any, len(c.values))}
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// String returns the value of key as a string. The bool reports whether the
// key is set to something non-empty.
func (c *Config) String(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	return s, s != ""
}

// Bool returns the value of key interpreted as a boolean
func (c *Config) Bool(key string) (bool, error) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if b == "" {
			return false, nil
		}
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("config key %s: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("config key %s: cannot use %T as bool", key, v)
}

// Int returns the value of key as an integer
func (c *Config) Int(key string) (int, error) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("config key %s: %w", key, err)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("config key %s: cannot use %T as int", key, v)
}

// Duration returns the value of key as a duration. Bare numbers are seconds.
func (c *Config) Duration(key string) (time.Duration, error) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return 0, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		secs, _ := Seconds(d)
		return secs, nil
	case string:
		return ParseDuration(d)
	}
	return 0, fmt.Errorf("config key %s: cannot use %T as duration", key, v)
}

// Bytes returns the value of key as a byte count
func (c *Config) Bytes(key string) (int64, error) {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n < 0 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("config key %s: byte count %g out of range", key, n)
		}
		return int64(n), nil
	case string:
		return ParseBytes(n)
	}
	return 0, fmt.Errorf("config key %s: cannot use %T as byte count", key, v)
}

// ParseDuration accepts Go duration strings and bare numbers of seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d, _ := Seconds(secs)
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Seconds converts a count of seconds to a duration. Counts too large to
// represent saturate at the longest duration and report false.
func Seconds(secs float64) (time.Duration, bool) {
	ns := secs * float64(time.Second)
	switch {
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64), false
	case ns <= math.MinInt64:
		return time.Duration(math.MinInt64), false
	}
	return time.Duration(ns), true
}

// ParseBytes parses sizes like "4GiB", "500MB", "10e9" or "1024". Binary
// suffixes (KiB, MiB, ...) are powers of 1024, everything else powers of 1000.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	parse := units.FromHumanSize
	if strings.HasSuffix(strings.ToLower(s), "ib") {
		parse = units.RAMInBytes
	}
	n, err := parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	// out-of-range float conversions come back as MinInt64 or MaxInt64
	if n < 0 || n == math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows", s)
	}
	return n, nil
}

// Flatten turns nested maps into dotted keys
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := CanonicalKey(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch nested := v.(type) {
		case map[string]any:
			flattenInto(out, key, nested)
		case map[any]any:
			conv := make(map[string]any, len(nested))
			for nk, nv := range nested {
				conv[fmt.Sprint(nk)] = nv
			}
			flattenInto(out, key, conv)
		default:
			out[key] = v
		}
	}
}

// EnvName maps a dotted key to its environment variable name:
// comm.tls.ca-file -> BURROW_COMM__TLS__CA_FILE
func EnvName(prefix, key string) string {
	parts := strings.Split(CanonicalKey(key), ".")
	for i, p := range parts {
		parts[i] = strings.ToUpper(strings.ReplaceAll(p, "-", "_"))
	}
	return prefix + strings.Join(parts, "__")
}

// KeyFromEnv is the inverse of EnvName. ok is false when name does not carry
// the prefix.
func KeyFromEnv(prefix, name string) (string, bool) {
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return "", false
	}
	parts := strings.Split(name[len(prefix):], "__")
	for i, p := range parts {
		parts[i] = CanonicalKey(p)
	}
	return strings.Join(parts, "."), true
}

// Environ renders values as NAME=value entries suitable for exec.Cmd.Env
func Environ(prefix string, values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, EnvName(prefix, k)+"="+values[k])
	}
	return out
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	environ    []string
	overrides  map[string]any
}

// NewLoader creates a new configuration loader reading the process
// environment.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		environ:   os.Environ(),
		overrides: make(map[string]any),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnviron replaces the environment that is consulted.
func (l *Loader) WithEnviron(environ []string) *Loader {
	l.environ = environ
	return l
}

// WithOverrides sets explicit values that win over every other source.
func (l *Loader) WithOverrides(overrides map[string]any) *Loader {
	for k, v := range overrides {
		l.overrides[k] = v
	}
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < explicit overrides
func (l *Loader) Load() (*Config, error) {
	cfg := New()

	if l.configPath != "" {
		if err := cfg.loadFromFile(l.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.ApplyEnv(l.envPrefix, l.environ)

	for k, v := range l.overrides {
		cfg.Set(k, v)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	c.merge(Flatten(raw))
	return nil
}

// ApplyEnv overlays every prefixed variable found in environ
func (c *Config) ApplyEnv(prefix string, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key, ok := KeyFromEnv(prefix, name); ok {
			c.Set(key, value)
		}
	}
}

// LoadFromFile is a convenience for NewLoader().WithConfigPath(path).Load()
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
