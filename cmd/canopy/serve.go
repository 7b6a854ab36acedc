package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aretw0/canopy"
	httpAdapter "github.com/aretw0/canopy/internal/adapters/http"
	"github.com/aretw0/canopy/internal/config"
	"github.com/aretw0/canopy/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Starts the engine in server mode, exposing run management and metrics over a JSON API.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(cmd); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (overrides config)")
}

func serve(cmd *cobra.Command) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	logger := newLogger(cmd)

	store, locker, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	g, err := buildAssistantGraph()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	opts := []canopy.Option{
		canopy.WithStore(store),
		canopy.WithLogger(logger),
		canopy.WithHooks(metrics.Hooks()),
		canopy.WithDefaultNodeTimeout(cfg.Engine.NodeTimeout.Std()),
	}
	if locker != nil {
		opts = append(opts, canopy.WithLocker(locker))
	}
	engine := canopy.New(g, opts...)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: httpAdapter.NewHandler(engine, logger, registry),
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "store", cfg.Store.Backend, "graph", g.ID())
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt or terminate signals.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("starting shutdown", "signal", sig.String())

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown did not complete", "err", err)
			if err := srv.Close(); err != nil {
				return fmt.Errorf("could not stop server: %w", err)
			}
		}
		logger.Info("server stopped")
	}
	return nil
}
