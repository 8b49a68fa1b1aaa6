// Package main seeds the mapping registry from a rulesets file.
//
// Seeding is idempotent: source keys that already have an active mapping
// version are skipped, so re-running against a live database is safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"driftline.io/driftline/internal/config"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/registry"
	"driftline.io/driftline/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	file := flag.String("file", "rulesets.yaml", "path to the mapping rulesets file")
	createdBy := flag.String("created-by", "seed", "author recorded on installed versions")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	s, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	installed, err := registry.New(s).SeedFromFile(ctx, *file, *createdBy)
	if err != nil {
		return fmt.Errorf("seed rulesets: %w", err)
	}

	logger.Info("Seed complete",
		zap.String("file", *file),
		zap.Int("installed", installed),
	)
	return nil
}
