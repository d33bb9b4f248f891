// Command procura runs the feed scheduler and serves the opportunity API
// over HTTP, with optional MCP tools on /mcp.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/procura/actionlog"
	"github.com/hazyhaar/procura/dbopen"
	"github.com/hazyhaar/procura/feeds"
)

func main() {
	port := env("PORT", "8090")
	dbPath := env("DB_PATH", "data/procura.db")
	connectorsFile := env("CONNECTORS_FILE", "connectors.yaml")
	mcpEnabled := env("MCP_ENABLED", "true") == "true"
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := feeds.LoadConfigFile(connectorsFile)
	if err != nil {
		slog.Error("load config", "path", connectorsFile, "error", err)
		os.Exit(1)
	}

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	actions := actionlog.NewSQLiteLogger(db, actionlog.WithLogger(logger))
	if err := actions.Init(); err != nil {
		slog.Error("action log init", "error", err)
		os.Exit(1)
	}
	defer actions.Close()

	m := feeds.NewMetrics()
	svc, err := feeds.New(ctx, db, cfg, logger, feeds.WithMetrics(m), feeds.WithActionLog(actions))
	if err != nil {
		slog.Error("feeds service", "error", err)
		os.Exit(1)
	}

	// Scheduler.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil {
			slog.Error("scheduler", "error", err)
		}
	}()

	// Router.
	r := chi.NewRouter()
	r.Mount("/", svc.Handler())
	if mcpEnabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "procura", Version: "1.0.0"}, nil)
		svc.RegisterMCP(mcpSrv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port, "mcp", mcpEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	wg.Wait()
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
