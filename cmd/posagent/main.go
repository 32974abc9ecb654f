// titansync-agent
//
// Standalone sync agent binary run alongside the POS application on each
// device: it owns the Hub/election/transport/outbox machinery and the
// optional cloud uplink, and exposes a local status/health HTTP surface for
// the desktop shell to poll.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.titansync.dev/sync/internal/agent"
	"go.titansync.dev/sync/internal/clouduplink"
	"go.titansync.dev/sync/internal/common/health"
	"go.titansync.dev/sync/internal/common/lifecycle"
	"go.titansync.dev/sync/internal/inbound"
	"go.titansync.dev/sync/internal/outbox"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("starting titansync agent",
		"version", version,
		"build_time", buildTime,
		"component", "posagent")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsSecrets: true,
	})
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config

	// ========================================
	// 2. STORAGE WIRING
	// ========================================
	// The local database (outbox/cursor/entity tables) is an external
	// collaborator the sync engine treats as storage-agnostic; these
	// in-memory implementations back single-process dev-mode runs, mirroring
	// outbox.InMemoryRepository.
	outboxRepo := outbox.NewInMemoryRepository()
	entities := inbound.NewInMemoryEntityStore()
	inventory := inbound.NewInMemoryInventoryStore()
	cursors := &clouduplink.InMemoryCursorStore{}

	deps := agent.Deps{
		OutboxRepo:   outboxRepo,
		Entities:     entities,
		Inventory:    inventory,
		Secrets:      app.Secrets,
		CloudCursors: cursors,
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	syncAgent := agent.New(cfg, deps, slog.Default())

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.HubCheck(syncAgent.HubRunning, syncAgent.ConnectedClients))
	healthChecker.AddReadinessCheck(health.TransportCheck(syncAgent.TransportState, syncAgent.TransportConnected))
	healthChecker.AddReadinessCheck(health.OutboxCheck(
		func() int { return syncAgent.OutboxPending(ctx) },
		func() int { return syncAgent.OutboxExhausted(ctx) },
	))
	healthChecker.AddReadinessCheck(health.CloudUplinkCheck(cfg.Cloud.Enabled, syncAgent.CloudHealth))

	httpRouter := setupHTTPRouter(healthChecker, syncAgent)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	agentService := lifecycle.NewServiceFunc("sync-agent", syncAgent.Run, func(ctx context.Context) error { return nil }).
		WithHealth(func() error { return syncAgent.CloudHealth() })

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		agentService,
	}

	slog.Info("agent ready",
		"httpPort", cfg.HTTP.Port,
		"deviceId", cfg.Device.ID,
		"storeId", cfg.Store.ID,
		"syncMode", cfg.Sync.Mode,
		"cloudEnabled", cfg.Cloud.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("service error", "error", err)
		os.Exit(1)
	}

	slog.Info("titansync agent stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("TITAN_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupHTTPRouter creates the HTTP router with health/metrics/status endpoints.
func setupHTTPRouter(healthChecker *health.Checker, syncAgent *agent.Agent) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		status := syncAgent.Status()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","term":%d,"connectedClients":%d,"transportState":"%s","cloudEnabled":%v,"cloudHealthy":%v}`,
			status.Role, status.Term, status.ConnectedClients, status.TransportState, status.CloudEnabled, status.CloudHealthy)
	})

	return r
}
