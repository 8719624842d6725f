package courier

import (
	"context"

	"github.com/kimhsiao/courier/internal/config"
	"github.com/kimhsiao/courier/internal/delivery"
	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/identity"
	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/queue"
)

// OpenStore opens the queue backend selected by cfg.
func OpenStore(ctx context.Context, cfg *config.Config, opts ...queue.Option) (queue.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		return queue.OpenBolt(ctx, cfg.DatabasePath(), opts...)
	case config.BackendSQLite, "":
		return queue.OpenSQLite(ctx, cfg.DatabasePath(), opts...)
	default:
		return nil, apperrors.Newf(apperrors.ErrConfig, "unknown store backend %q", cfg.Store.Backend)
	}
}

// FromConfig builds a Courier from cfg. buildVersion is reported as the
// client version unless cfg overrides it.
func FromConfig(ctx context.Context, cfg *config.Config, buildVersion string, log *logging.Logger) (*Courier, error) {
	if log == nil {
		log = logging.Get()
	}

	version := cfg.Client.Version
	if version == "" {
		version = buildVersion
	}
	env, err := LoadEnvironment(cfg.DataDir, cfg.Client.DeviceID, version)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg, queue.WithLogger(log))
	if err != nil {
		return nil, err
	}

	sender := delivery.NewHTTPSender(delivery.HTTPConfig{
		URL:            cfg.Endpoint.URL,
		ConnectTimeout: cfg.Endpoint.ConnectTimeout,
		WriteTimeout:   cfg.Endpoint.WriteTimeout,
		ReadTimeout:    cfg.Endpoint.ReadTimeout,
		Breaker: delivery.BreakerConfig{
			Enabled:             cfg.Delivery.Breaker.Enabled,
			ConsecutiveFailures: cfg.Delivery.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Delivery.Breaker.OpenTimeout,
		},
	}, log)

	c, err := New(ctx, Options{
		Store:         store,
		Sender:        sender,
		Identity:      identity.Select(cfg.Identity.TokenFile, cfg.Identity.TokenEnv),
		Environment:   env,
		Logger:        log,
		Pacing:        cfg.Delivery.Pacing,
		DrainInterval: cfg.Delivery.DrainInterval,
		Retention:     cfg.Delivery.Retention,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}
