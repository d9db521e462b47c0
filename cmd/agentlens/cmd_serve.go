package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentlens/internal/api"
	"github.com/user/agentlens/internal/bus"
	"github.com/user/agentlens/internal/scheduler"
	"github.com/user/agentlens/internal/sink"
	"github.com/user/agentlens/internal/state"
	"github.com/user/agentlens/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentlens daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "agentlens.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Session event store and live bus
	store := state.NewStore(cfg.Retention.MaxSessions)
	eventBus := bus.New()

	// Durable sink: remote backend when configured, local JSONL otherwise
	var auditSink types.Sink
	if cfg.Sink.URL != "" {
		auditSink = sink.NewHTTP(cfg.Sink.URL, cfg.Sink.Token)
	} else {
		auditSink = sink.NewJSONL(cfg.DataDir)
	}

	srv := api.NewServer(store, eventBus, auditSink, cfg.Sink.QueueSize)

	// Retention sweep
	ttl := time.Duration(cfg.Retention.IdleTTLMinutes) * time.Minute
	sweeper := scheduler.New(store, srv, ttl, cfg.Retention.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("agentlens started",
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_sessions", cfg.Retention.MaxSessions,
		"idle_ttl_minutes", cfg.Retention.IdleTTLMinutes,
		"sink_url", cfg.Sink.URL,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigChan:
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	// Bound the audit flush so shutdown latency stays predictable.
	srv.Close(5 * time.Second)
	return nil
}
