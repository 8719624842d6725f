package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
)

func testHTTPConfig(url string) HTTPConfig {
	return HTTPConfig{
		URL:            url,
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		ReadTimeout:    time.Second,
	}
}

func TestNewRequest(t *testing.T) {
	e := &models.QueueEntry{
		ID:               "0f8fad5b-d9cb-469f-a165-70867728950e",
		SourceID:         "msg-42",
		Payload:          "hello",
		CaptureTimestamp: time.UnixMilli(1700000000123),
		DeviceID:         "dev",
		ClientVersion:    "2.0.0",
	}

	body, err := json.Marshal(NewRequest(e))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"uuid": "0f8fad5b-d9cb-469f-a165-70867728950e",
		"sourceId": "msg-42",
		"payload": "hello",
		"timestamp": 1700000000123,
		"deviceId": "dev",
		"appVersion": "2.0.0"
	}`, string(body))
}

func TestHTTPSender_Send(t *testing.T) {
	var got struct {
		method, auth, contentType string
		body                      Request
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got.body)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"duplicate":true}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(testHTTPConfig(srv.URL), logging.Wrap(zaptest.NewLogger(t)))
	assert.Equal(t, "disabled", s.BreakerState())

	req := Request{UUID: "u-1", SourceID: "s", Payload: "p", Timestamp: 5, DeviceID: "d", AppVersion: "v"}
	resp, err := s.Send(context.Background(), "tok", req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"duplicate":true}`, string(resp.Body))
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, req, got.body)
}

func TestHTTPSender_transportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewHTTPSender(testHTTPConfig(url), logging.Wrap(zaptest.NewLogger(t)))
	_, err := s.Send(context.Background(), "tok", Request{})
	assert.Error(t, err)
}

func TestHTTPSender_breakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.Breaker = BreakerConfig{Enabled: true, ConsecutiveFailures: 3, OpenTimeout: time.Hour}
	s := NewHTTPSender(cfg, logging.Wrap(zaptest.NewLogger(t)))

	for i := 0; i < 3; i++ {
		resp, err := s.Send(context.Background(), "tok", Request{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
	assert.Equal(t, "open", s.BreakerState())

	_, err := s.Send(context.Background(), "tok", Request{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, Retry, ClassifyTransport(err).Outcome)
}

func TestHTTPSender_breakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.Breaker = BreakerConfig{Enabled: true, ConsecutiveFailures: 1, OpenTimeout: time.Hour}
	s := NewHTTPSender(cfg, logging.Wrap(zaptest.NewLogger(t)))

	for i := 0; i < 3; i++ {
		resp, err := s.Send(context.Background(), "tok", Request{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Equal(t, "closed", s.BreakerState())
}
