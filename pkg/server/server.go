// Package server provides the public entry points for composing the two
// LAMB services: the knowledge base server and the completion service.
//
// It lives in pkg/ (not internal/) so embedders can mount the handlers
// behind their own middleware:
//
//	srv, err := server.NewKB(ctx)
//	http.ListenAndServe(":9090", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/api"
	"github.com/lamb-project/lamb-kb-server/internal/api/handlers"
	"github.com/lamb-project/lamb-kb-server/internal/catalog"
	"github.com/lamb-project/lamb-kb-server/internal/completions"
	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/directory"
	"github.com/lamb-project/lamb-kb-server/internal/ingestion"
	"github.com/lamb-project/lamb-kb-server/internal/orgconfig"
	"github.com/lamb-project/lamb-kb-server/internal/query"
	"github.com/lamb-project/lamb-kb-server/internal/telemetry"
	"github.com/lamb-project/lamb-kb-server/internal/vectorstore"
)

// KBServer is the initialized knowledge base service.
type KBServer struct {
	// Handler carries all routes and middleware.
	Handler http.Handler

	// Catalog is exposed so embedders can run administrative operations.
	Catalog *catalog.Service

	// Pipeline is exposed so shutdown can wait for in-flight ingestions.
	Pipeline *ingestion.Pipeline

	Config *config.Config
	Port   int

	// ShutdownFunc flushes telemetry and closes the catalog.
	ShutdownFunc func(context.Context) error
}

// NewKB initializes the knowledge base server from environment config.
func NewKB(ctx context.Context) (*KBServer, error) {
	return NewKBWithConfig(ctx, config.Load())
}

// NewKBWithConfig initializes the knowledge base server with an explicit
// configuration.
func NewKBWithConfig(ctx context.Context, cfg *config.Config) (*KBServer, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := catalog.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	log.Info().Str("path", cfg.Database.Path).Msg("catalog opened")

	vectors, err := vectorstore.NewChromemStore(cfg.Database.VectorPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	log.Info().Str("path", cfg.Database.VectorPath).Msg("vector store opened")

	catalogSvc := catalog.NewService(store, vectors, cfg.Embeddings)
	registry := ingestion.NewRegistry(cfg.Ingestion.DisabledPlugins)
	pipeline := ingestion.NewPipeline(catalogSvc, registry, cfg.Ingestion, cfg.BaseURL)
	querySvc := query.NewService(catalogSvc)

	h := handlers.New(catalogSvc, pipeline, querySvc, cfg.Version, cfg.Ingestion.MaxUploadBytes)
	router := api.NewRouter(h, cfg.APIKey, cfg.Ingestion.StaticRoot)

	shutdown := func(ctx context.Context) error {
		pipeline.Wait()
		err := telemetryShutdown(ctx)
		if cerr := store.Close(); err == nil {
			err = cerr
		}
		return err
	}

	return &KBServer{
		Handler:      router,
		Catalog:      catalogSvc,
		Pipeline:     pipeline,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// CompletionsServer is the initialized completion service.
type CompletionsServer struct {
	Handler http.Handler

	// Directory is exposed so embedders can trigger reloads directly.
	Directory directory.Directory

	Config *config.Config
	Port   int

	ShutdownFunc func(context.Context) error
}

// NewCompletions initializes the completion service from environment
// config.
func NewCompletions(ctx context.Context) (*CompletionsServer, error) {
	return NewCompletionsWithConfig(ctx, config.Load())
}

// NewCompletionsWithConfig initializes the completion service with an
// explicit configuration.
func NewCompletionsWithConfig(ctx context.Context, cfg *config.Config) (*CompletionsServer, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dir, err := directory.Open(cfg.Directory.Path)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	log.Info().Str("path", cfg.Directory.Path).Msg("assistant directory opened")

	resolver := orgconfig.NewResolver(dir, cfg.Providers, cfg.KB)
	orch := completions.NewOrchestrator(dir, resolver, completions.DefaultConnectors(), completions.NewKBClient())
	apiSurface := completions.NewAPI(cfg, dir, resolver, orch)

	return &CompletionsServer{
		Handler:      apiSurface.Router(),
		Directory:    dir,
		Config:       cfg,
		Port:         cfg.CompletionsPort,
		ShutdownFunc: telemetryShutdown,
	}, nil
}
