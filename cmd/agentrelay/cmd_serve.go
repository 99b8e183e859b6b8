package main

import (
	"context"
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

	"github.com/user/agentrelay/internal/gateway"
	"github.com/user/agentrelay/internal/permission"
	"github.com/user/agentrelay/internal/server"
	"github.com/user/agentrelay/internal/state"
	"github.com/user/agentrelay/internal/telegram"
	"github.com/user/agentrelay/internal/tokens"
	"github.com/user/agentrelay/internal/types"
	"github.com/user/agentrelay/internal/upstream"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentrelay daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "agentrelay.pid")
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

	store := state.NewStore(cfg.DataDir)
	broker := permission.NewBroker()

	estimator, err := tokens.NewEstimator(cfg.Agent.Model)
	if err != nil {
		return fmt.Errorf("create token estimator: %w", err)
	}

	factory := func(ctx context.Context, prompt string, resume types.SessionID) (gateway.ChatSource, error) {
		return upstream.StartProcess(ctx, upstream.ProcessOptions{
			Command:        cfg.Agent.Command,
			Dir:            cfg.Agent.Dir,
			Resume:         string(resume),
			PermissionMode: cfg.Agent.PermissionMode,
		}, prompt)
	}

	gw := gateway.New(store, broker, factory, cfg.Agent.Model, int64(cfg.MaxConcurrent))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("agentrelay started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"agent_command", cfg.Agent.Command,
		"permission_mode", cfg.Agent.PermissionMode,
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, store)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// HTTP server
	srv := server.NewServer(store, gw, broker, estimator)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}
	go func() {
		slog.Info("http server started", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	return nil
}
