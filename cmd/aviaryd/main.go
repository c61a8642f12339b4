// Package main is the Aviary daemon: it supervises interactive CLI AI
// agents over PTYs, relays messages between them, and keeps per-agent
// continuity ledgers across crashes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aviary-dev/aviary/internal/common/config"
	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/continuity"
	"github.com/aviary-dev/aviary/internal/events"
	"github.com/aviary-dev/aviary/internal/manager"
	"github.com/aviary-dev/aviary/internal/registry"
	"github.com/aviary-dev/aviary/internal/relay"
	"github.com/aviary-dev/aviary/internal/supervisor"
	"github.com/aviary-dev/aviary/internal/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aviaryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting aviaryd",
		zap.String("data_dir", cfg.Daemon.DataDir),
		zap.String("workspace", cfg.Daemon.WorkspaceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer func() {
		if err := closeBus(); err != nil {
			log.Warn("event bus close", zap.Error(err))
		}
	}()

	reg, err := registry.Open(cfg.Daemon.DataDir, log)
	if err != nil {
		return fmt.Errorf("open agent registry: %w", err)
	}

	store, err := continuity.NewStore(continuity.StoreConfig{
		Dir:         cfg.Continuity.Dir,
		LockTimeout: cfg.Continuity.LockTimeout(),
	}, log)
	if err != nil {
		return fmt.Errorf("open continuity store: %w", err)
	}

	catalog, err := manager.LoadCatalog(cfg.Daemon.ProfilePath)
	if err != nil {
		return fmt.Errorf("load provider profiles: %w", err)
	}

	insights, err := supervisor.NewInsights(cfg.Daemon.DataDir, cfg.Supervisor.CrashHistoryCap, log)
	if err != nil {
		return fmt.Errorf("open crash history: %w", err)
	}

	switchboard := relay.NewSwitchboard(relay.Config{
		DedupeCap:     cfg.Relay.DedupeCap,
		SenderHashCap: cfg.Relay.SenderHashCap,
		OfflineTTL:    cfg.Relay.OfflineTTL(),
	}, reg, eventBus, log)

	parser := term.NewParser(term.ParserConfig{
		RelayPrefix:      cfg.Parser.RelayPrefix,
		ContinuityPrefix: cfg.Parser.ContinuityPrefix,
		ExtraPlaceholder: cfg.Parser.Placeholders,
	})

	mgr := manager.NewManager(cfg, manager.Deps{
		Registry:   reg,
		Continuity: continuity.NewManager(continuity.ManagerConfig{SearchLimit: cfg.Continuity.SearchLimit}, store, parser, log),
		Relay:      switchboard,
		Insights:   insights,
		Bus:        eventBus,
		Catalog:    catalog,
		Logger:     log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		switchboard.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return mgr.Run(gctx)
	})

	log.Info("aviaryd ready", zap.Strings("providers", catalog.Providers()))
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("aviaryd stopped")
	return nil
}
