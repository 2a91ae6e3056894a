package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ranic/e2tc/internal/adminapi"
	"ranic/e2tc/internal/auth"
	"ranic/e2tc/internal/config"
	"ranic/e2tc/internal/core"
	"ranic/e2tc/internal/logging"
	"ranic/e2tc/internal/transport"
	"ranic/e2tc/internal/xappapi"
)

const adminTokenLeeway = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the termination core, its admin API, and its xApp IPC surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires config -> logger -> Core -> transport listener -> xApp IPC
// server -> admin/metrics server, then blocks for SIGINT/SIGTERM before
// tearing everything down in reverse order.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := core.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("init core: %w", err)
	}

	ln, err := transport.Listen(cfg.BindAddr, cfg.FrameCompression)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}
	logger.Info("listening for E2 associations", logging.String("addr", ln.Addr().String()))

	var verifier *auth.HMACTokenVerifier
	if cfg.AdminToken != "" {
		verifier, err = auth.NewHMACTokenVerifier(cfg.AdminToken, adminTokenLeeway)
		if err != nil {
			return fmt.Errorf("init token verifier: %w", err)
		}
	} else {
		logger.Warn("E2TC_ADMIN_TOKEN unset: admin API and xApp IPC are unauthenticated")
	}

	admin := &adminapi.HandlerSet{
		Readiness: c,
		Nodes:     c.Nodes(),
		Subs:      c.Subscriptions(),
		Verifier:  verifier,
		Logger:    logger,
	}
	adminSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: admin.Mux()}

	xappSrv := xappapi.NewServer(c, verifier, nil, logger)
	xappHTTP := &http.Server{Addr: cfg.XAppAddr, Handler: xappSrv.Mux()}

	serveErrs := make(chan error, 3)
	go func() { serveErrs <- c.Serve(ctx, ln) }()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- fmt.Errorf("admin server: %w", err)
			return
		}
		serveErrs <- nil
	}()
	go func() {
		if err := xappHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- fmt.Errorf("xapp server: %w", err)
			return
		}
		serveErrs <- nil
	}()

	logger.Info("e2term started",
		logging.String("bind_addr", cfg.BindAddr),
		logging.String("xapp_addr", cfg.XAppAddr),
		logging.String("metrics_addr", cfg.MetricsAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		if err != nil {
			logger.Error("component exited unexpectedly", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	_ = xappHTTP.Shutdown(shutdownCtx)
	_ = ln.Close()

	return nil
}
