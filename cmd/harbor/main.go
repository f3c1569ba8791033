// Command harbor boots the l8e-harbor reverse proxy core: process config,
// the route store, the middleware registry, and the gateway handler, on
// separate proxy and admin listeners, with graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/l8e-harbor/harbor/internal/authadapter"
	"github.com/l8e-harbor/harbor/internal/config"
	"github.com/l8e-harbor/harbor/internal/forwarder"
	"github.com/l8e-harbor/harbor/internal/gateway"
	"github.com/l8e-harbor/harbor/internal/ingress"
	"github.com/l8e-harbor/harbor/internal/middleware"
	"github.com/l8e-harbor/harbor/internal/observability"
	"github.com/l8e-harbor/harbor/internal/routestore"
	"github.com/l8e-harbor/harbor/internal/secretprovider"
)

var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "none"
)

// Exit codes per the external interfaces contract: 0 normal, 1 config
// invalid, 2 listener bind failure, 3 unrecoverable boot dependency failure.
const (
	exitOK             = 0
	exitBadConfig      = 1
	exitBindFailure    = 2
	exitBootDependency = 3
)

func main() {
	var (
		configPath  = flag.String("config", "configs/harbor.yaml", "path to config file")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("harbor version=%s commit=%s buildTime=%s\n", version, commit, buildTime)
		os.Exit(exitOK)
	}

	log := bootLogger()
	defer log.Sync() //nolint:errcheck

	log.Infow("starting harbor", "version", version, "config", *configPath)

	cfg, watcher, err := config.LoadAndWatch(*configPath, log)
	if err != nil {
		log.Errorw("failed to load config", "err", err)
		os.Exit(exitBadConfig)
	}
	defer watcher.Close()

	reg := prometheus.DefaultRegisterer
	sinks := &observability.Sinks{Log: log, Metrics: observability.NewMetrics(reg)}

	authRegistry := authadapter.NewRegistry()
	mwRegistry := middleware.NewRegistry(middleware.Deps{Log: log, Auth: authRegistry})

	store, err := buildRouteStore(cfg.Routes, mwRegistry, log)
	if err != nil {
		log.Errorw("failed to build route store", "err", err)
		os.Exit(exitBootDependency)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	fwd := forwarder.New(forwarder.Config{})
	gw := gateway.New(store, mwRegistry, fwd, sinks, cfg.Server.MaxInFlight)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go gw.Run(runCtx)

	go func() {
		for newCfg := range watcher.Updates() {
			log.Infow("config reloaded", "addr", newCfg.Server.Addr)
		}
	}()

	adminMux := http.NewServeMux()
	gw.RegisterAdminHandlers(adminMux)
	adminSrv := &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      adminMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	mainHandler := middleware.Chain(gw, middleware.Recovery(log), middleware.RequestID)
	mainSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mainHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Server.TLS.Enabled {
		tlsCfg, err := ingress.LoadTLSConfig(cfg.Server.TLS, secretprovider.Noop{})
		if err != nil {
			log.Errorw("failed to load TLS config", "err", err)
			os.Exit(exitBootDependency)
		}
		mainSrv.TLSConfig = tlsCfg
	}

	bindErrs := make(chan error, 2)

	go func() {
		log.Infow("admin server listening", "addr", cfg.Admin.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bindErrs <- fmt.Errorf("admin server: %w", err)
		}
	}()

	go func() {
		log.Infow("proxy server listening", "addr", cfg.Server.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = mainSrv.ListenAndServeTLS("", "")
		} else {
			err = mainSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			bindErrs <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-quit:
		log.Infow("shutting down gracefully")
	case err := <-bindErrs:
		log.Errorw("listener failed to bind", "err", err)
		os.Exit(exitBindFailure)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelRun()
	_ = adminSrv.Shutdown(ctx)
	if err := mainSrv.Shutdown(ctx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
	log.Infow("goodbye")
}

func bootLogger() *zap.SugaredLogger {
	rawLogger, err := zap.NewProduction()
	if err != nil {
		rawLogger = zap.NewNop()
	}
	return rawLogger.Sugar()
}

func buildRouteStore(src config.RouteSource, mwRegistry *middleware.Registry, log *zap.SugaredLogger) (routestore.Store, error) {
	switch src.Driver {
	case "file":
		return routestore.NewFileSnapshotDriver(src.Path, mwRegistry.Known, log)
	default:
		return routestore.NewMemoryDriver(mwRegistry.Known), nil
	}
}
