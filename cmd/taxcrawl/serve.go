package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phuongtri1909/tool-gotax-sub000/internal/server"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/orchestrator"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API server",
		Long: `Serve accepts crawl jobs over HTTP and runs them in the background.

Callers poll GET /api/jobs/:id or subscribe to /api/ws/jobs/:id for progress,
and must keep heartbeating while a job runs; a job whose caller goes quiet
is cancelled and its partial results are packaged.

Examples:
  # Serve on the default address with the in-process job store
  taxcrawl serve --upstream https://portal.example.vn/api

  # Share job state through Redis
  REDIS_URL=redis://localhost:6379/0 taxcrawl serve -c taxcrawl.yaml`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing backends failed")
		}
	}()

	hub := server.NewHub(cfg.Server.AllowedOrigins...)
	go hub.Run(ctx)

	runner := orchestrator.NewRunner(reg, orchestrator.RunnerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		Sinks:         hub.Sinks,
		Finished:      hub.PublishState,
	})
	runner.Start(ctx)

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         getVersion(),
	}, reg, runner, hub)

	log.Info().
		Str("upstream", cfg.Upstream.BaseURL).
		Int("max_jobs", cfg.Jobs.MaxConcurrent).
		Int("proxies", len(cfg.Upstream.Proxies)).
		Msg("taxcrawl starting")

	serveErr := srv.ListenAndServe(ctx)
	stop()

	// Running jobs see the cancelled context and package what they have.
	stopCtx, cancel := context.WithTimeout(context.Background(), reg.Settings.PackagingTimeout)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	log.Info().Msg("taxcrawl stopped")
	return serveErr
}
