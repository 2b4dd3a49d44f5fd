// ABOUTME: Entry point for the reference agent runtime server
// ABOUTME: Serves the coven wire protocol over websocket backed by SQLite

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-sync/internal/runtime"
	"github.com/2389/coven-sync/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	addr := flag.String("addr", "localhost:8089", "Listen address")
	dbPath := flag.String("db", "coven-runtime.db", "SQLite database path")
	reply := flag.String("reply", "", "Scripted agent reply (default built-in greeting)")
	chunkSize := flag.Int("chunk", 4, "Token chunk size in runes")
	tokenDelay := flag.Duration("token-delay", 50*time.Millisecond, "Delay between token events")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text, json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coven-runtime %s\n", version)
		return
	}

	logger := setupLogging(*logLevel, *logFormat)
	slog.SetDefault(logger)

	if err := run(*addr, *dbPath, runtime.Script{
		Reply:      *reply,
		ChunkSize:  *chunkSize,
		TokenDelay: *tokenDelay,
	}, logger); err != nil {
		logger.Error("runtime failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, dbPath string, script runtime.Script, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	srv := runtime.NewServer(st, runtime.Options{Script: script, Logger: logger})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("runtime listening", "addr", addr, "db", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
