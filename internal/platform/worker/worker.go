// Package worker runs a service's dispatcher with the configured broker and
// reply cache.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/next-trace/blossom/adapters/tracing"
	"github.com/next-trace/blossom/contract/rpc"
	"github.com/next-trace/blossom/internal/config"
	"github.com/next-trace/blossom/internal/platform/broker"
	"github.com/next-trace/blossom/servicebus"
)

// RegisterFunc binds a service's handlers on a dispatcher.
type RegisterFunc func(d *servicebus.Dispatcher) error

// Dispatcher builds the dispatcher for service on t from cfg.
func Dispatcher(t rpc.Transport, cfg *config.Config, service rpc.ServiceID, replies servicebus.ReplyCache, logger *zap.Logger) *servicebus.Dispatcher {
	return servicebus.NewDispatcher(t, service,
		servicebus.WithDispatcherQueue(cfg.Queue(service)),
		servicebus.WithDispatcherLogger(logger),
		servicebus.WithExtractor(tracing.W3C()),
		servicebus.WithReplyCache(replies),
		servicebus.WithClaimWait(cfg.RPC.ClaimWait.Duration()),
		servicebus.WithConcurrency(cfg.RPC.Concurrency),
	)
}

// Run connects to the broker, binds the handlers and serves until ctx ends.
// It returns an error when the broker cannot be reached or is lost.
func Run(ctx context.Context, cfg *config.Config, service rpc.ServiceID, logger *zap.Logger, register RegisterFunc) error {
	logger = logger.With(zap.String("service", string(service)))

	t, closeBroker, err := broker.Open(ctx, cfg.Broker, string(service), logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	replies, closeCache, err := broker.ReplyCache(ctx, cfg.Redis, cfg.RPC, logger)
	if err != nil {
		return fmt.Errorf("%s reply cache: %w", service, err)
	}
	defer closeCache()

	d := Dispatcher(t, cfg, service, replies, logger)
	if err := register(d); err != nil {
		return fmt.Errorf("%s bind handlers: %w", service, err)
	}

	logger.Info("worker listening", zap.String("queue", cfg.Queue(service)), zap.Strings("patterns", d.Patterns()))

	return d.Serve(ctx)
}
