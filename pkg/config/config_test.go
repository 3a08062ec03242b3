package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	enc, err := cfg.Bool(KeyRequireEncryption)
	require.NoError(t, err)
	assert.False(t, enc)

	d, err := cfg.Duration(KeyDeathTimeout)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, d)

	level, ok := cfg.String(KeyLogLevel)
	assert.True(t, ok)
	assert.Equal(t, "info", level)

	_, ok = cfg.String(KeyTLSCAFile)
	assert.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.yaml")
	content := `
comm:
  require-encryption: true
  tls:
    ca-file: ca.pem
    scheduler:
      cert: scert.pem
nanny:
  death_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewLoader().WithConfigPath(path).WithEnviron(nil).Load()
	require.NoError(t, err)

	enc, err := cfg.Bool(KeyRequireEncryption)
	require.NoError(t, err)
	assert.True(t, enc)

	ca, _ := cfg.String("comm.tls.ca-file")
	assert.Equal(t, "ca.pem", ca)

	cert, _ := cfg.String("comm.tls.scheduler.cert")
	assert.Equal(t, "scert.pem", cert)

	d, err := cfg.Duration("nanny.death-timeout")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnviron(nil).
		Load()
	require.NoError(t, err)

	v, ok := cfg.String(KeyLogLevel)
	assert.True(t, ok)
	assert.Equal(t, "info", v)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("comm: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(path).WithEnviron(nil).Load()
	assert.Error(t, err)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler-address: tcp://file:1\nlogging:\n  level: warn\n"), 0644))

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnviron([]string{
			"BURROW_SCHEDULER_ADDRESS=tcp://env:2",
			"BURROW_COMM__TLS__CA_FILE=/env/ca.pem",
			"UNRELATED=1",
		}).
		WithOverrides(map[string]any{"comm.tls.ca_file": "/flag/ca.pem"}).
		Load()
	require.NoError(t, err)

	addr, _ := cfg.String(KeySchedulerAddress)
	assert.Equal(t, "tcp://env:2", addr, "environment beats file")

	ca, _ := cfg.String(KeyTLSCAFile)
	assert.Equal(t, "/flag/ca.pem", ca, "explicit override beats environment")

	level, _ := cfg.String(KeyLogLevel)
	assert.Equal(t, "warn", level, "file beats defaults")
}

func TestEnvNameRoundTrip(t *testing.T) {
	tests := []struct {
		key string
		env string
	}{
		{"comm.tls.ca-file", "BURROW_COMM__TLS__CA_FILE"},
		{"comm.require-encryption", "BURROW_COMM__REQUIRE_ENCRYPTION"},
		{"scheduler-address", "BURROW_SCHEDULER_ADDRESS"},
		{"comm.tls.worker.cert", "BURROW_COMM__TLS__WORKER__CERT"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.env, EnvName(DefaultEnvPrefix, tt.key))
			key, ok := KeyFromEnv(DefaultEnvPrefix, tt.env)
			require.True(t, ok)
			assert.Equal(t, tt.key, key)
		})
	}

	_, ok := KeyFromEnv(DefaultEnvPrefix, "HOME")
	assert.False(t, ok)
}

func TestEnviron(t *testing.T) {
	env := Environ(DefaultEnvPrefix, map[string]string{
		"comm.tls.ca-file":        "ca.pem",
		"comm.require-encryption": "true",
	})
	assert.Equal(t, []string{
		"BURROW_COMM__REQUIRE_ENCRYPTION=true",
		"BURROW_COMM__TLS__CA_FILE=ca.pem",
	}, env)
}

func TestSetNilRemoves(t *testing.T) {
	cfg := FromMap(map[string]any{"comm": map[string]any{"tls": map[string]any{"ca-file": "ca.pem"}}})
	_, ok := cfg.Get(KeyTLSCAFile)
	require.True(t, ok)

	cfg.Set(KeyTLSCAFile, nil)
	_, ok = cfg.Get(KeyTLSCAFile)
	assert.False(t, ok)
}

func TestTypedGetterErrors(t *testing.T) {
	cfg := FromMap(map[string]any{
		"a": "not-a-bool",
		"b": []string{"x"},
		"c": "12x",
	})

	_, err := cfg.Bool("a")
	assert.Error(t, err)
	_, err = cfg.Duration("b")
	assert.Error(t, err)
	_, err = cfg.Int("c")
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"10e9", 10_000_000_000, false},
		{"4GiB", 4 << 30, false},
		{"500MB", 500_000_000, false},
		{"2 kib", 2048, false},
		{"100b", 100, false},
		{"", 0, false},
		{"lots", 0, true},
		{"-5", 0, true},
		{"1.5GB", 1_500_000_000, false},
		{"1e30", 0, true},
		{"9999999TiB", 0, true},
		{"4 parsecs", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBytesFloatOutOfRange(t *testing.T) {
	cfg := FromMap(map[string]any{"memory": 1e30})
	_, err := cfg.Bytes("memory")
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseDuration("200ms")
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, d)

	_, err = ParseDuration("soon")
	assert.Error(t, err)

	d, err = ParseDuration("1e12")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(math.MaxInt64), d)
}

func TestSeconds(t *testing.T) {
	d, ok := Seconds(2.5)
	assert.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, d)

	d, ok = Seconds(1e12)
	assert.False(t, ok)
	assert.Equal(t, time.Duration(math.MaxInt64), d)

	d, ok = Seconds(-1e12)
	assert.False(t, ok)
	assert.Less(t, d, time.Duration(0))
}
