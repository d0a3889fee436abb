// Command gateway serves the HTTP API and forwards calls to the workers over
// the broker. With broker.kind memory it also runs the workers in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/next-trace/blossom/adapters/tracing"
	contractauth "github.com/next-trace/blossom/contract/auth"
	"github.com/next-trace/blossom/contract/rpc"
	contractusers "github.com/next-trace/blossom/contract/users"
	"github.com/next-trace/blossom/internal/clients"
	"github.com/next-trace/blossom/internal/config"
	"github.com/next-trace/blossom/internal/gateway"
	"github.com/next-trace/blossom/internal/logging"
	"github.com/next-trace/blossom/internal/platform/broker"
	"github.com/next-trace/blossom/memory"
	"github.com/next-trace/blossom/servicebus"
)

func main() {
	configPath := flag.String("config", os.Getenv("BLOSSOM_CONFIG"), "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log).Named("gateway")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func clientOptions(cfg *config.Config, service rpc.ServiceID, logger *zap.Logger) []servicebus.ClientOption {
	opts := []servicebus.ClientOption{
		servicebus.WithQueue(cfg.Queue(service)),
		servicebus.WithTimeout(cfg.RPC.Timeout.Duration()),
		servicebus.WithLogger(logger),
		servicebus.WithPropagator(tracing.W3C()),
	}

	if cfg.RPC.CircuitBreaker {
		opts = append(opts, servicebus.WithCircuitBreaker(gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}))
	}

	return opts
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	t, closeBroker, err := broker.Open(ctx, cfg.Broker, "gateway", logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	uc, err := servicebus.NewClient(ctx, t, contractusers.Service, clientOptions(cfg, contractusers.Service, logger)...)
	if err != nil {
		return err
	}
	defer uc.Close()

	ac, err := servicebus.NewClient(ctx, t, contractauth.Service, clientOptions(cfg, contractauth.Service, logger)...)
	if err != nil {
		return err
	}
	defer ac.Close()

	u, err := clients.NewUsers(uc)
	if err != nil {
		return err
	}

	a, err := clients.NewAuth(ac)
	if err != nil {
		return err
	}

	gw := gateway.New(u, a, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gw.Run(gctx, cfg.HTTP.Addr, cfg.HTTP.ReadTimeout.Duration(), cfg.HTTP.ShutdownTimeout.Duration())
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-t.Done():
			return fmt.Errorf("broker lost: %w", t.Err())
		}
	})

	if cfg.Broker.Kind == config.KindMemory {
		g.Go(func() error { return memory.RunWorkers(gctx, cfg, logger) })
	}

	return g.Wait()
}
