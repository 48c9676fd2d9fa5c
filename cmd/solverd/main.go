package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/captcha_relay/internal/config"
	"github.com/dgnsrekt/captcha_relay/internal/netutil"
	"github.com/dgnsrekt/captcha_relay/internal/solver"
)

func main() {
	cfg, err := config.LoadSolver()
	if err != nil {
		slog.Error("failed to load solver config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	var backend solver.Solver = solver.Unavailable{}
	if cfg.StaticToken != "" {
		backend = solver.Static{Token: cfg.StaticToken}
	}
	slog.Info("solverd config loaded",
		"bind_addr", cfg.BindAddr,
		"mouse_jitter", cfg.MouseJitter,
		"seed", cfg.Seed,
		"static_token", cfg.StaticToken != "",
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, nil, false)
	if err != nil {
		slog.Error("failed to bind solver", "addr", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := solver.NewServer(backend, uint64(cfg.Seed), cfg.MouseJitter)
	if err := srv.Serve(ctx, ln); err != nil {
		slog.Error("solverd failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
