package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitgenie/genie/internal/api"
	"github.com/gitgenie/genie/internal/metrics"
	"github.com/gitgenie/genie/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the project proxy",
	Long: `Serve the project lifecycle operations under /api/v1/projects and the
reverse proxy to running projects under /api/v1/proxy, together with /health
and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	m := metrics.New()
	orch, err := newOrchestrator(cfg, m, log)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	px := proxy.New(orch, proxy.DefaultMount, log)
	server := api.New(cfg, orch, px, m, log)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
