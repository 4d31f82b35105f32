package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/balu-dk/go-pipelets/config"
	"github.com/balu-dk/go-pipelets/internal/api"
	"github.com/balu-dk/go-pipelets/internal/db"
	"github.com/balu-dk/go-pipelets/internal/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.WithField("store", cfg.StoreDriver).Info("Starting pipelets server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the record store
	store, err := db.Open(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open store")
	}
	defer store.Close()

	// Create CPMS service
	cpms, err := service.NewCPMS(cfg, store)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create CPMS service")
	}
	if err := cpms.SeedBuiltins(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to seed builtin pipelets")
	}
	if cfg.WorkflowsFile != "" {
		seed, err := service.LoadSeed(cfg.WorkflowsFile)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to load workflows file")
		}
		if err := cpms.ApplySeed(ctx, seed); err != nil {
			logrus.WithError(err).Fatal("Failed to apply workflows file")
		}
	}
	cpms.Start()

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.ServerPort), Handler: cpms.OCPPHandler()},
		{Addr: fmt.Sprintf(":%d", cfg.APIPort), Handler: api.NewAPI(cpms, cfg.CORSAllowedOrigins)},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logrus.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// Wait for a signal or a listener failure, then shut everything down
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cpms.Close()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).WithField("addr", srv.Addr).Error("Server forced to shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Server stopped with error")
	}
	logrus.Info("Server exited")
}
