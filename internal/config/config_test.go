package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/courier
listen_addr: 127.0.0.1:9999
store:
  backend: bolt
endpoint:
  url: https://ingest.example.com/v1/events
  connect_timeout: 5s
  write_timeout: 6s
  read_timeout: 7s
identity:
  token_env: COURIER_TOKEN
delivery:
  pacing: 50ms
  drain_interval: 30s
  retention: 72h
  breaker:
    enabled: false
client:
  device_id: device-1
  version: 2.3.4
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/courier", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "https://ingest.example.com/v1/events", cfg.Endpoint.URL)
	assert.Equal(t, 5*time.Second, cfg.Endpoint.ConnectTimeout)
	assert.Equal(t, 6*time.Second, cfg.Endpoint.WriteTimeout)
	assert.Equal(t, 7*time.Second, cfg.Endpoint.ReadTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Delivery.Pacing)
	assert.Equal(t, 30*time.Second, cfg.Delivery.DrainInterval)
	assert.Equal(t, 72*time.Hour, cfg.Delivery.Retention)
	assert.False(t, cfg.Delivery.Breaker.Enabled)
	assert.Equal(t, "device-1", cfg.Client.DeviceID)
	assert.Equal(t, "2.3.4", cfg.Client.Version)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, filepath.Join("/var/lib/courier", "queue.bolt"), cfg.DatabasePath())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
endpoint:
  url: http://localhost:8080/events
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, DefaultTimeout, cfg.Endpoint.ConnectTimeout)
	assert.Equal(t, DefaultTimeout, cfg.Endpoint.WriteTimeout)
	assert.Equal(t, DefaultTimeout, cfg.Endpoint.ReadTimeout)
	assert.Equal(t, DefaultPacing, cfg.Delivery.Pacing)
	assert.Equal(t, DefaultDrainInterval, cfg.Delivery.DrainInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Delivery.Retention)
	assert.True(t, cfg.Delivery.Breaker.Enabled)
	assert.EqualValues(t, DefaultBreakerTrip, cfg.Delivery.Breaker.ConsecutiveFailures)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, filepath.Join(DefaultDataDir, "queue.db"), cfg.DatabasePath())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing endpoint", `data_dir: ./data`},
		{"relative endpoint", "endpoint:\n  url: /events"},
		{"ftp endpoint", "endpoint:\n  url: ftp://example.com/events"},
		{"unknown backend", "endpoint:\n  url: http://x/e\nstore:\n  backend: redis"},
		{"zero timeout", "endpoint:\n  url: http://x/e\n  read_timeout: 0s"},
		{"negative pacing", "endpoint:\n  url: http://x/e\ndelivery:\n  pacing: -1s"},
		{"zero retention", "endpoint:\n  url: http://x/e\ndelivery:\n  retention: 0s"},
		{"breaker without threshold", "endpoint:\n  url: http://x/e\ndelivery:\n  breaker:\n    consecutive_failures: 0"},
		{"unknown log level", "endpoint:\n  url: http://x/e\nlog:\n  level: loud"},
		{"unknown log format", "endpoint:\n  url: http://x/e\nlog:\n  format: xml"},
		{"bad yaml", "endpoint: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatch_reload(t *testing.T) {
	path := writeConfig(t, "endpoint:\n  url: http://localhost/e\nlog:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("endpoint:\n  url: http://localhost/e\nlog:\n  level: debug\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

// TestWatch_renameSave verifies reloads keep working when the file is
// replaced by renaming a temporary file over it, as editors do.
func TestWatch_renameSave(t *testing.T) {
	path := writeConfig(t, "endpoint:\n  url: http://localhost/e\nlog:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	go Watch(ctx, path, func(c *Config) { changes <- c })
	time.Sleep(100 * time.Millisecond)

	replace := func(level string) {
		tmp := path + ".tmp"
		body := "endpoint:\n  url: http://localhost/e\nlog:\n  level: " + level + "\n"
		require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
		require.NoError(t, os.Rename(tmp, path))
	}

	for _, level := range []string{"debug", "warn"} {
		replace(level)

		deadline := time.After(5 * time.Second)
		for got := ""; got != level; {
			select {
			case c := <-changes:
				got = c.Log.Level
			case <-deadline:
				t.Fatalf("timed out waiting for reload to %s", level)
			}
		}
	}
}

// TestWatch_ignoresSiblings verifies other files in the directory do not
// trigger a reload.
func TestWatch_ignoresSiblings(t *testing.T) {
	path := writeConfig(t, "endpoint:\n  url: http://localhost/e\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	go Watch(ctx, path, func(c *Config) { changes <- c })
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1\n"), 0o600))

	select {
	case <-changes:
		t.Fatal("reloaded for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatch_missingFile(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), func(*Config) {})
	assert.Error(t, err)
}
