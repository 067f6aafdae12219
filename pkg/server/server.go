// Package server provides the public entry point for initializing the
// Toolgate gateway server.
//
// This package exists in pkg/ (not internal/) so that embedding
// deployments can compose the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/api"
	"github.com/toolgate/toolgate/internal/bundlecache"
	"github.com/toolgate/toolgate/internal/cdn"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/gateway"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/objectstore"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/retention"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/internal/telemetry"
)

// Server holds the initialized Toolgate gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistent store (in-memory in zero-config dev mode).
	Store store.Store

	// Janitor purges expired cache rows; run it with Start in a
	// background goroutine tied to the process lifetime.
	Janitor *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// Options overrides external collaborators, for embedding deployments
// that bring their own generators.
type Options struct {
	Artifacts gateway.ArtifactGenerator
	Images    gateway.ImageGenerator
	Search    gateway.Searcher
}

// New initializes all gateway components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithOptions(ctx, Options{})
}

// NewWithOptions initializes the gateway with explicit collaborators.
func NewWithOptions(ctx context.Context, opts Options) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(dataStore, cfg.Limits).
		OnBreakerOpen(func(toolName string) {
			metrics.BreakerOpens.WithLabelValues(toolName).Inc()
		})

	deps := gateway.Deps{
		Limiter:   limiter,
		Cache:     bundlecache.New(dataStore, objects, cfg.Cache),
		Chain:     cdn.New(dataStore, cfg.CDN),
		Objects:   objects,
		Recorder:  metrics.NewRecorder(dataStore),
		Artifacts: opts.Artifacts,
		Images:    opts.Images,
		Search:    opts.Search,
	}
	if deps.Artifacts == nil {
		deps.Artifacts = gateway.NewHTTPArtifactProvider(cfg.Artifact)
	}
	if deps.Images == nil {
		deps.Images = gateway.NewHTTPImageProvider(cfg.Image)
	}
	if deps.Search == nil {
		deps.Search = gateway.NewHTTPSearchProvider(cfg.Search)
	}

	gw := gateway.New(cfg, deps)
	router := api.NewRouter(cfg, gw)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Janitor:      retention.NewJanitor(dataStore, retention.DefaultInterval, cfg.CDN.CacheTTL),
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("no DATABASE_URL, using in-memory store")
		return store.NewMemory(), nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return pg, nil
}

func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Bundles, error) {
	if cfg.Object.AccessKey == "" {
		log.Info().Msg("no object store credentials, using in-memory bundles")
		return objectstore.NewMemory(), nil
	}

	client, err := objectstore.New(ctx, cfg.Object)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	log.Info().Str("bucket", cfg.Object.Bucket).Msg("object store initialized")
	return client, nil
}
