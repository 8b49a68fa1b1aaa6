// Package app is the composition root: bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"driftline.io/driftline/internal/api/handlers"
	"driftline.io/driftline/internal/config"
	"driftline.io/driftline/internal/domain"
	"driftline.io/driftline/internal/drift"
	"driftline.io/driftline/internal/ingest"
	"driftline.io/driftline/internal/pkg/worker"
	"driftline.io/driftline/internal/registry"
	"driftline.io/driftline/internal/repair"
	"driftline.io/driftline/internal/store"
	"driftline.io/driftline/internal/transform"
)

// Application holds composed application dependencies.
type Application struct {
	Config   *config.Config
	Router   *gin.Engine
	Store    *store.Store
	Pools    *worker.Pools
	Registry *registry.Registry
	Pipeline *ingest.Pipeline
	Gateway  *repair.Gateway

	// Dispatcher is the outbound canonical event stream; embedders register
	// downstream consumers on it before Start.
	Dispatcher *domain.EventDispatcher
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	s, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		OraclePoolSize:  cfg.Worker.OraclePoolSize,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	reg := registry.New(s)
	transformer := transform.New(reg)
	detector := drift.NewDetector(s, cfg.Drift)
	health := repair.NewHealth()
	dispatcher := domain.NewEventDispatcher()

	// The built-in heuristic oracle keeps the repair loop self-contained;
	// an external matching service would slot in behind the same interface.
	workflow := repair.NewWorkflow(s, reg, repair.HeuristicOracle{}, pools, health, cfg.Repair)
	gateway := repair.NewGateway(s, reg, health, cfg.Repair)
	pipeline := ingest.NewPipeline(transformer, detector, workflow, dispatcher, s, health, cfg.Repair)

	server := handlers.NewServer(handlers.ServerDeps{
		Store:       s,
		Registry:    reg,
		Pipeline:    pipeline,
		Gateway:     gateway,
		Transformer: transformer,
		Pools:       pools,
	})

	return &Application{
		Config:     cfg,
		Router:     newRouter(server),
		Store:      s,
		Pools:      pools,
		Registry:   reg,
		Pipeline:   pipeline,
		Gateway:    gateway,
		Dispatcher: dispatcher,
	}, nil
}
