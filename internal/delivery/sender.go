package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 64 << 10

// Request is the JSON body posted for one event.
type Request struct {
	UUID       string `json:"uuid"`
	SourceID   string `json:"sourceId"`
	Payload    string `json:"payload"`
	Timestamp  int64  `json:"timestamp"`
	DeviceID   string `json:"deviceId"`
	AppVersion string `json:"appVersion"`
}

// NewRequest builds the request body for e. Timestamp is the capture time in
// Unix milliseconds.
func NewRequest(e *models.QueueEntry) Request {
	return Request{
		UUID:       e.ID.String(),
		SourceID:   e.SourceID,
		Payload:    e.Payload,
		Timestamp:  e.CaptureTimestamp.UnixMilli(),
		DeviceID:   e.DeviceID,
		AppVersion: e.ClientVersion,
	}
}

// Response is what the endpoint answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Sender performs one network attempt. A non-nil error means no response
// was received.
type Sender interface {
	Send(ctx context.Context, token string, req Request) (*Response, error)
}

// BreakerConfig configures the circuit breaker of an HTTPSender.
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	Breaker        BreakerConfig
}

// HTTPSender posts events to the ingestion endpoint.
type HTTPSender struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

var _ Sender = (*HTTPSender)(nil)

// errServerStatus marks a 5xx response as a breaker failure while the
// response itself is still classified normally.
var errServerStatus = errors.New("server error status")

// NewHTTPSender returns a sender for cfg.URL.
func NewHTTPSender(cfg HTTPConfig, log *logging.Logger) *HTTPSender {
	if log == nil {
		log = logging.Get()
	}
	log = log.Named("sender")

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   1,
	}

	s := &HTTPSender{
		url: cfg.URL,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.WriteTimeout + cfg.ReadTimeout,
		},
		log: log,
	}

	if cfg.Breaker.Enabled {
		trip := cfg.Breaker.ConsecutiveFailures
		if trip == 0 {
			trip = 1
		}
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "endpoint",
			MaxRequests: 1,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker changed state",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}

	return s
}

// BreakerState returns the breaker state, or "disabled".
func (s *HTTPSender) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.State().String()
}

// Send implements Sender. 5xx responses and transport errors count as
// breaker failures; while the breaker is open no request is made and an
// error wrapping gobreaker.ErrOpenState is returned.
func (s *HTTPSender) Send(ctx context.Context, token string, req Request) (*Response, error) {
	if s.breaker == nil {
		return s.do(ctx, token, req)
	}

	var resp *Response
	_, err := s.breaker.Execute(func() (interface{}, error) {
		r, err := s.do(ctx, token, req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("endpoint unavailable (circuit breaker %s): %w", s.breaker.State(), err)
	case err != nil:
		return nil, err
	default:
		return resp, nil
	}
}

func (s *HTTPSender) do(ctx context.Context, token string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		// The status line arrived, so the attempt is still classified by
		// status. An unreadable body only means "not a duplicate".
		s.log.Debug("Failed to read response body", zap.Error(err))
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}
