package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.titansync.dev/sync/internal/common/secrets"
	"go.titansync.dev/sync/internal/config"
)

// App holds initialized infrastructure that is guaranteed to be ready.
// If you have an *App, you know configuration is loaded and the secrets
// provider is reachable. Application logic should NOT go here.
type App struct {
	Config  *config.Config
	Secrets secrets.Provider

	// Internal cleanup - call AddCleanup to register cleanup functions
	cleanupFuncs []func() error
}

// AppOptions configures which infrastructure to initialize.
type AppOptions struct {
	// NeedsSecrets indicates the secrets provider (cloud API key, JWT cache)
	// must be reachable before Initialize returns.
	NeedsSecrets bool
}

// Initialize creates an App with connected infrastructure.
// Returns an error if any required connection fails.
//
// Usage:
//
//	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
//	    NeedsSecrets: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func Initialize(ctx context.Context, opts AppOptions) (*App, func(), error) {
	app := &App{}

	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	if opts.NeedsSecrets {
		if err := app.initSecrets(); err != nil {
			app.Cleanup()
			return nil, nil, err
		}
	}

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to be called on shutdown.
// Functions are called in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// initSecrets builds the configured secrets.Provider (env, encrypted file,
// AWS/Vault/GCP) that backs the cloud token cache (spec §4.10).
func (app *App) initSecrets() error {
	cfg := app.Config

	slog.Info("initializing secrets provider", "provider", cfg.Secrets.Provider)

	provider, err := secrets.NewProvider(&secrets.Config{
		Provider:  secrets.ProviderType(cfg.Secrets.Provider),
		DataDir:   cfg.Secrets.DataDir,
		AWSRegion: cfg.Secrets.AWSRegion,
		AWSPrefix: cfg.Secrets.AWSPrefix,
		VaultAddr: cfg.Secrets.VaultAddr,
		VaultPath: cfg.Secrets.VaultPath,
	})
	if err != nil {
		return fmt.Errorf("failed to init secrets provider: %w", err)
	}
	app.Secrets = provider
	return nil
}

// Cleanup runs all cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
