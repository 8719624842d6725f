package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/kimhsiao/courier/internal/config"
	"github.com/kimhsiao/courier/internal/logging"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_servesAndDelivers(t *testing.T) {
	var delivered atomic.Int32
	ep := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ep.Close()

	dir := t.TempDir()
	addr := freeAddr(t)
	path := writeConfig(t, dir, fmt.Sprintf(`
data_dir: %s
listen_addr: %s
endpoint:
  url: %s
identity:
  token_env: COURIERD_TEST_TOKEN
delivery:
  pacing: 1ms
log:
  level: warn
`, filepath.Join(dir, "data"), addr, ep.URL))
	t.Setenv("COURIERD_TEST_TOKEN", "tok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/api/events", "application/json",
		bytes.NewBufferString(`{"source_id":"s","payload":"p"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `courier_delivery_attempts_total{outcome="success"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	assert.FileExists(t, filepath.Join(dir, "data", "queue.db"))
	assert.FileExists(t, filepath.Join(dir, "data", "device_id"))
}

func TestRun_invalidConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "endpoint:\n  url: not-a-url\n")
	assert.Error(t, run(context.Background(), path))
}

func TestRun_missingConfig(t *testing.T) {
	assert.Error(t, run(context.Background(), filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestApplyReload(t *testing.T) {
	log, err := logging.New(io.Discard, "info", logging.FormatJSON)
	require.NoError(t, err)

	current := config.Defaults()
	next := config.Defaults()
	next.Log.Level = "debug"

	applyReload(log, current, next)
	assert.Equal(t, zapcore.DebugLevel, log.Level())

	next.Log.Level = "error"
	next.Delivery.Pacing = time.Second
	applyReload(log, current, next)
	assert.Equal(t, zapcore.ErrorLevel, log.Level())
}
