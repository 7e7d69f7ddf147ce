package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"homechat/server/internal/core"
	"homechat/server/internal/httpapi"
	"homechat/server/internal/state"
	"homechat/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":3010", "HTTP listen address")
	dbPath := flag.String("db", "homechat.db", "SQLite database path")
	stateDir := flag.String("state-dir", "", "State directory for JSON stores (defaults to <db-dir>)")
	adminSecret := flag.String("admin-secret", os.Getenv("HOMECHAT_ADMIN_SECRET"), "After Dark admin secret (empty disables the room)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "db", *dbPath)

	sqliteStore, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	dir := strings.TrimSpace(*stateDir)
	if dir == "" {
		dir = filepath.Dir(*dbPath)
	}
	devices, err := state.OpenDeviceRegistry(filepath.Join(dir, "devices.json"))
	if err != nil {
		slog.Error("open device registry", "err", err)
		os.Exit(1)
	}
	access, err := state.OpenAccessList(filepath.Join(dir, "authorized.json"))
	if err != nil {
		slog.Error("open access list", "err", err)
		os.Exit(1)
	}
	if *adminSecret == "" {
		slog.Warn("no admin secret configured, After Dark refuses all connections")
	}

	coord := core.NewCoordinator(devices, access, *adminSecret, sqliteStore, core.SystemClock())
	server := httpapi.New(coord, sqliteStore, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
