// Command auth runs the auth worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	contract "github.com/next-trace/blossom/contract/auth"
	"github.com/next-trace/blossom/internal/auth"
	"github.com/next-trace/blossom/internal/auth/gormstore"
	"github.com/next-trace/blossom/internal/config"
	"github.com/next-trace/blossom/internal/logging"
	"github.com/next-trace/blossom/internal/platform/db"
	"github.com/next-trace/blossom/internal/platform/worker"
	"github.com/next-trace/blossom/servicebus"
)

func main() {
	configPath := flag.String("config", os.Getenv("BLOSSOM_CONFIG"), "Path to configuration file")
	migrate := flag.Bool("migrate", false, "Create or update the credentials table before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log).Named("auth")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrate, logger); err != nil {
		logger.Fatal("auth worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) error {
	var store auth.Store = auth.NewMemStore()

	if cfg.Database.URL != "" {
		pg, err := db.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()

		if migrate {
			if err := pg.AutoMigrate(ctx, &gormstore.Model{}); err != nil {
				return err
			}
		}

		store = gormstore.New(pg.DB)
	} else {
		logger.Warn("no database configured, credentials are kept in memory")
	}

	svc := auth.NewService(store, auth.WithLogger(logger))

	return worker.Run(ctx, cfg, contract.Service, logger, func(d *servicebus.Dispatcher) error {
		return auth.Register(d, svc)
	})
}
