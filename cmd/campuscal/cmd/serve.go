package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfenderov/campuscal/internal/pipeline"
	"github.com/mfenderov/campuscal/internal/server"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serveDryRun bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP endpoint",
	Long: `Start the HTTP endpoint that runs the recommendation pipeline.

Routes:
  GET  /hello-world   liveness greeting
  POST /process-text  run the pipeline; body {"text": "...", "year"?, "month"?, "email"?, "dry_run"?}
  GET  /healthz       health check
  GET  /metrics       Prometheus metrics

When schedule.cron is set (e.g. "0 8 * * 1"), the pipeline also runs on that
schedule and books for server.invitee.

Example:
  campuscal serve
  CAMPUSCAL_SERVER_LISTEN=:8080 campuscal serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Start without Google Calendar access; only dry runs succeed")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()

	a, err := buildApp(ctx, &cfg, !serveDryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		Runner:          a.pipeline,
		Gatherer:        a.registry,
		PipelineTimeout: cfg.Server.PipelineTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Server.PipelineTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.Schedule.Cron != "" {
		scheduler, err := startSchedule(ctx, cfg.Schedule.Cron, a.pipeline, serveDryRun, cfg.Server.PipelineTimeout)
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.Listen)
		fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s\n", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// startSchedule runs the pipeline on a standard five-field cron spec.
func startSchedule(ctx context.Context, spec string, p *pipeline.Pipeline, dryRun bool, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		result, err := p.Run(runCtx, pipeline.Request{DryRun: dryRun})
		if err != nil {
			slog.Error("scheduled run failed", "kind", pipeline.Kind(err), "error", err)
			return
		}
		slog.Info("scheduled run complete", "selected", len(result.Selected), "failed", len(result.Failed()))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c.Start()
	slog.Info("scheduled runs enabled", "cron", spec)
	return c, nil
}
