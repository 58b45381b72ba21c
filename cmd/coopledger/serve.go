package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/coop-ledger/api"
	"github.com/warp/coop-ledger/metrics"
)

func serveCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 0, "HTTP server port")
	if err := a.v.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
		panic(fmt.Sprintf("bind flag port: %v", err))
	}
	return cmd
}

// serve starts the server and blocks until SIGINT/SIGTERM. Active requests
// get 30s to complete before the databases are closed.
func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	tenants, err := a.openTenants(m)
	if err != nil {
		return err
	}
	defer func() {
		if err := tenants.Close(); err != nil {
			a.log.WithError(err).Error("close databases")
		}
	}()

	// Audit once at startup; anomalies are reported, never repaired.
	report := api.NewAuditor(tenants, a.log).Run(ctx)
	if !report.Clean() {
		a.log.WithField("anomalies", report.Count()).Warn("ledgers have integrity anomalies, see GET /api/coops/{coop}/integrity")
	}

	handler := api.NewHandler(tenants, api.NewPurgeConfirmations(a.cfg.PurgeTokenTTL), a.log)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: a.cfg.CORSOrigins,
		Metrics:     m,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{
			"port":  a.cfg.Port,
			"coops": tenants.IDs(),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	a.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}
