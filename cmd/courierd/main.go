// Package main runs the courier daemon: a local HTTP API that captures
// events into the durable queue and delivers them in the background.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/courier/cmd/courierd/handlers"
	"github.com/kimhsiao/courier/internal/config"
	"github.com/kimhsiao/courier/internal/courier"
	"github.com/kimhsiao/courier/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

// shutdownTimeout bounds how long in-flight requests and the delivery worker
// get to stop.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "courier.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("courierd v%s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
}

// run serves until ctx is canceled or the server fails.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logging.Init(log)
	defer log.Sync()

	c, err := courier.FromConfig(ctx, cfg, Version, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.NewRouter(c, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("courierd listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", Version),
			zap.String("backend", cfg.Store.Backend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return config.Watch(gctx, configPath, func(next *config.Config) {
			applyReload(log, cfg, next)
		})
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return multierr.Append(
			srv.Shutdown(shutdownCtx),
			c.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

// applyReload applies the settings that can change without a restart. Only
// the log level is live; other changes are reported and take effect on the
// next start.
func applyReload(log *logging.Logger, current, next *config.Config) {
	if next.Log.Level != log.Level().String() {
		if err := log.SetLevel(next.Log.Level); err != nil {
			log.Error("Failed to apply log level", err)
		} else {
			log.Info("Log level changed", zap.String("level", next.Log.Level))
		}
	}

	if next.Endpoint != current.Endpoint || next.Delivery != current.Delivery ||
		next.Store != current.Store || next.DataDir != current.DataDir ||
		next.ListenAddr != current.ListenAddr || next.Identity != current.Identity {
		log.Warn("Config changes other than log.level take effect after restart")
	}
}
