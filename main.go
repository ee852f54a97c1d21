// Package main runs the tabboost settings coordinator: the authoritative
// store of global and per-site audio settings that popups and content
// scripts talk to over WebSocket.
//
// Usage:
//
//	tabboost [-config path/to/config.json]
//
// If -config is not specified, the coordinator looks for config.json in the
// same directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oszuidwest/zwfm-tabboost/internal/config"
	"github.com/oszuidwest/zwfm-tabboost/internal/server"
	"github.com/oszuidwest/zwfm-tabboost/internal/settings"
	"github.com/oszuidwest/zwfm-tabboost/internal/storage"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("coordinator stopped", "error", err)
		os.Exit(1)
	}
}

// defaultConfigPath returns config.json next to the running binary.
func defaultConfigPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", util.WrapError("locate executable", err)
	}
	return filepath.Join(filepath.Dir(exe), "config.json"), nil
}

func run(configPath string) error {
	if configPath == "" {
		var err error
		if configPath, err = defaultConfigPath(); err != nil {
			return err
		}
	}
	slog.Info("using config file", "path", configPath)

	cfg := config.New(configPath)
	if err := cfg.Load(); err != nil {
		return util.WrapError("load config", err)
	}
	snap := cfg.Snapshot()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: snap.LogLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := snap.NewStore()
	slog.Info("using settings storage", "backend", snap.StorageBackend)

	hub := server.NewHub()
	manager := settings.New(store, hub, settings.WithPersistDelay(snap.PersistDebounce))
	hub.SetResolver(manager)
	manager.Initialize(ctx)

	// Another coordinator may share the state file.
	if w, ok := store.(storage.Watcher); ok {
		stop, err := w.Watch(ctx, func(keys []string) {
			slog.Info("settings changed in storage", "keys", keys)
			manager.Reload(ctx)
		})
		if err != nil {
			slog.Warn("failed to watch settings storage", "error", err)
		} else {
			defer stop()
		}
	}

	version := NewVersionChecker(releasesURL, clockwork.NewRealClock())
	go version.Run(ctx)

	httpServer := NewServer(cfg, manager, hub, version).Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	// Ends the version checker, the storage watch and open sessions.
	cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		return util.WrapError("save settings", err)
	}
	slog.Info("shutdown complete")
	return nil
}
