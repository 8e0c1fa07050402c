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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/entityflow/internal/config"
	"github.com/rendis/entityflow/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	// stdout carries the MCP stdio transport; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.Log.Format, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := a.loadDefinitions(ctx); err != nil {
		return err
	}
	return a.serve(ctx)
}

// serve runs the scheduler, the metrics endpoint and the MCP transport until
// ctx ends. SIGHUP reloads the definition bundles.
func (a *app) serve(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := a.runner.Stop(); err != nil {
			a.logger.Error("stop scheduler", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := a.loadDefinitions(ctx); err != nil {
					a.logger.Error("reload definitions", "error", err)
					continue
				}
				a.logger.Info("definitions reloaded")
			}
		}
	})

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			a.logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.mcp != nil {
		g.Go(func() error {
			a.logger.Info("mcp stdio transport started")
			err := a.mcp.Serve(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}
			// stdin closed: the client is gone.
			return errMCPClosed
		})
	}

	a.logger.Info("entityflow started", "version", version, "store", a.cfg.Store.Driver)
	err := g.Wait()
	if errors.Is(err, errMCPClosed) {
		err = nil
	}
	a.logger.Info("entityflow stopped")
	return err
}

var errMCPClosed = errors.New("mcp client disconnected")
