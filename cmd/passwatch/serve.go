package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/passwatch/internal/api"
	"github.com/star/passwatch/internal/config"
	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/logging"
	"github.com/star/passwatch/internal/metrics"
	"github.com/star/passwatch/internal/repository"
	"github.com/star/passwatch/internal/stream"
	"github.com/star/passwatch/internal/tle"
	"github.com/star/passwatch/internal/tracker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API",
		Long:  `serve loads configuration from PASSWATCH_* environment variables (and .env), then serves the tracker API until SIGINT or SIGTERM.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load(logging.Bootstrap())
	if err != nil {
		return err
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel, version)

	opts := []tracker.Option{
		tracker.WithCache(tle.NewCache(cfg.TLE.CacheDir, cfg.TLE.MaxFiles)),
	}
	db, err := repository.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		logger.Warn("location history disabled", "db_path", cfg.DBPath, "error", err)
	} else {
		defer db.Close()
		opts = append(opts, tracker.WithRepository(db))
	}

	tr := tracker.New(tracker.Config{
		NORADID:        cfg.TLE.NORADID,
		Scan:           cfg.Scan,
		Default:        cfg.DefaultLocation,
		MaxElementsAge: cfg.TLE.MaxAge,
	},
		geocode.NewClient(cfg.Geocode, logger),
		tle.NewFetcher(cfg.TLE.URLTemplate, logger),
		logger,
		opts...,
	)

	streamCfg := cfg.Stream
	streamCfg.TrustProxy = cfg.TrustProxy
	streamHandler := stream.NewHandler(tr, streamCfg, logger)

	srv := api.NewServer(cfg.HTTPAddr, logger, tr, streamHandler, api.Options{
		Auth:       cfg.Auth,
		TrustProxy: cfg.TrustProxy,
		RPS:        cfg.API.RPS,
		Burst:      cfg.API.Burst,
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Readiness stays 503 until the first element set is in.
	go func() {
		initCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := tr.Init(initCtx); err != nil {
			logger.Warn("starting without fresh element set", "error", err)
		}
	}()

	go reportElementsAge(ctx, tr)

	// Open streams end with the signal instead of holding Shutdown open.
	srv.HTTPServer().BaseContext = func(net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr, "auth_enabled", cfg.Auth.Enabled, "norad_id", cfg.TLE.NORADID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error("server listen error", "error", err)
		return err
	}
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

// reportElementsAge keeps the element age gauge current between refreshes.
func reportElementsAge(ctx context.Context, tr *tracker.Tracker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if age, ok := tr.ElementsAge(time.Now()); ok {
				metrics.SetElementsAge(age.Seconds())
			}
		case <-ctx.Done():
			return
		}
	}
}
