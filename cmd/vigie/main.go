// Command vigie watches URLs and notifies configured channels of changes.
//
//	vigie -config vigie.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/vigie/vigie"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", env("VIGIE_CONFIG", "vigie.yaml"), "path to the YAML config")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides log_level)")
	watchConfig := flag.Bool("watch-config", true, "reload on config file changes")
	flag.Parse()

	// Bootstrap logger until the config says otherwise.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := vigie.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	lvl := cfg.LogLevel
	if *logLevel != "" {
		lvl = *logLevel
	}
	level.Set(parseLevel(lvl))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := vigie.New(cfg, logger)
	if err != nil {
		slog.Error("init", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if *watchConfig {
		reloader := vigie.NewConfigReloader(*configPath, svc, 0, logger)
		go func() {
			if err := reloader.Run(ctx); err != nil {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	var srv *http.Server
	if cfg.API.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           svc.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("api listening", "addr", cfg.API.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("api server", "error", err)
				cancel()
			}
		}()
	}

	if err := svc.Run(ctx); err != nil {
		slog.Error("run", "error", err)
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}
	slog.Info("vigie stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
