package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/captcha_relay/internal/api"
	"github.com/dgnsrekt/captcha_relay/internal/browser"
	"github.com/dgnsrekt/captcha_relay/internal/config"
	"github.com/dgnsrekt/captcha_relay/internal/detect"
	"github.com/dgnsrekt/captcha_relay/internal/netutil"
	"github.com/dgnsrekt/captcha_relay/internal/notify"
	"github.com/dgnsrekt/captcha_relay/internal/queue"
	"github.com/dgnsrekt/captcha_relay/internal/relay"
	"github.com/dgnsrekt/captcha_relay/internal/storage"
	"github.com/dgnsrekt/captcha_relay/internal/transport"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		slog.Error("failed to load relay config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("captcha_relay config loaded",
		"solver_url", cfg.SolverURL,
		"queue_capacity", cfg.QueueCapacity,
		"queue_overflow", cfg.QueueOverflow,
		"auto_solve", cfg.AutoSolve,
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"tab_url_filter", cfg.TabURLFilter,
		"control_enabled", cfg.ControlEnabled,
		"control_bind_addr", cfg.ControlBindAddr,
		"data_dir", cfg.DataDir,
		"journal", cfg.JournalEnabled,
		"notify", cfg.NotifyEndpoint != "",
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	rules, err := detect.LoadRules(cfg.RulesFile)
	if err != nil {
		slog.Error("failed to load detection rules", "file", cfg.RulesFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, rules); err != nil {
		slog.Error("captcha_relay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.RelayConfig, rules *detect.Rules) error {
	runID := time.Now().UTC().Format("150405") + "_" + uuid.NewString()[:8]
	broker := relay.NewBroker()
	opts := relay.Options{
		QueueCapacity:   cfg.QueueCapacity,
		OverflowPolicy:  queue.ParsePolicy(cfg.QueueOverflow),
		InFlightTTL:     cfg.InFlightTTL,
		DowntimeAlert:   cfg.DowntimeAlert,
		NotifyOnFailure: cfg.NotifyOnFailure,
		Broker:          broker,
	}
	if cfg.JournalEnabled {
		journal := storage.NewResultsJournal(cfg.DataDir, runID)
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Warn("results journal close failed", "error", err)
			}
		}()
		opts.Journal = journal
	}
	if n := notify.New(cfg.NotifyEndpoint, "captcha relay"); n.Enabled() {
		opts.Notifier = n
	}

	link := transport.New(transport.Options{
		URL:               cfg.SolverURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
	})
	router := relay.NewRouter(link, opts)

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.LaunchConfig{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	host := browser.NewHost(browser.Config{
		CDPURL:         cfg.CDPURL(),
		TabURLFilter:   cfg.TabURLFilter,
		Rules:          rules,
		Proxy:          cfg.Proxy,
		SettleDelay:    cfg.SettleDelay,
		NoticeDuration: cfg.NoticeDuration,
		RequestTimeout: cfg.RequestTimeout,
		ExecuteTimeout: cfg.ExecuteTimeout,
	}, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return host.Run(gctx) })

	if !cfg.AutoSolve {
		if err := router.SetEnabled(gctx, false); err != nil {
			slog.Warn("failed to disable auto-solve", "error", err)
		}
	}

	if cfg.ControlEnabled {
		ln, err := netutil.Listen(cfg.ControlBindAddr, cfg.ControlFallback, cfg.ControlAutoFallback)
		if err != nil {
			slog.Error("failed to bind control API", "preferred", cfg.ControlBindAddr, "error", err)
		} else {
			h := api.NewServer(router, api.Options{
				Broker: broker,
				Results: func(date string) ([]storage.ResultRecord, error) {
					return storage.LoadResults(cfg.DataDir, date)
				},
			})
			srv := &http.Server{
				Handler:           h,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return gctx },
			}
			addr := ln.Addr().String()
			g.Go(func() error {
				slog.Info("control API listening", "addr", addr, "docs", "http://"+addr+"/docs")
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutCtx); err != nil {
					slog.Error("control API shutdown failed", "error", err)
				}
				return nil
			})
		}
	}

	slog.Info("captcha_relay started", "run_id", runID)
	return g.Wait()
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
