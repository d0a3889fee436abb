// Package broker opens the transport and reply cache a process is configured
// for.
package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/next-trace/blossom/adapters/inmemory"
	"github.com/next-trace/blossom/adapters/kafka"
	"github.com/next-trace/blossom/adapters/nats"
	"github.com/next-trace/blossom/adapters/rabbitmq"
	"github.com/next-trace/blossom/adapters/rediscache"
	"github.com/next-trace/blossom/contract/rpc"
	"github.com/next-trace/blossom/internal/config"
	"github.com/next-trace/blossom/servicebus"
)

// Shared is the in-process broker used by the memory kind; every transport
// opened with it in one process talks to the same queues.
var Shared = sync.OnceValue(inmemory.NewBroker)

// Open connects the transport selected by cfg.Kind. name identifies the
// process to the broker where the broker supports it.
func Open(ctx context.Context, cfg config.BrokerConfig, name string, logger *zap.Logger) (rpc.Transport, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(zap.String("broker", cfg.Kind))

	var (
		t       rpc.Transport
		cleanup func()
		err     error
	)

	switch cfg.Kind {
	case config.KindMemory:
		mt := Shared().Connect()
		t, cleanup = mt, func() { _ = mt.Close() }
	case config.KindRabbitMQ:
		t, cleanup, err = rabbitmq.NewWithAMQPConn(ctx, rabbitmq.Config{
			URL:         cfg.URL,
			ConnTimeout: cfg.ConnTimeout.Duration(),
			Prefetch:    cfg.Prefetch,
			Retries:     cfg.ConnectRetries,
			Backoff:     cfg.ConnectBackoff.Duration(),
			Logger:      logger,
		})
	case config.KindNATS:
		t, cleanup, err = nats.NewWithNATS(nats.Config{
			URL:         cfg.URL,
			Name:        name,
			ConnTimeout: cfg.ConnTimeout.Duration(),
			Logger:      logger,
		})
	case config.KindKafka:
		t, cleanup, err = kafka.NewWithKgo(kafka.Config{
			Brokers:  cfg.Brokers,
			ClientID: name,
			Logger:   logger,
		})
	default:
		return nil, nil, fmt.Errorf("broker kind %q not supported", cfg.Kind)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("open %s broker: %w", cfg.Kind, err)
	}

	logger.Info("broker connected", zap.String("state", t.State().String()))

	return t, cleanup, nil
}

// ReplyCache returns a Redis cache when cfg.Addr is set, so replicas share
// remembered replies and claims, and a bounded process-local cache otherwise.
func ReplyCache(ctx context.Context, cfg config.RedisConfig, rpcCfg config.RPCConfig, logger *zap.Logger) (servicebus.ReplyCache, func(), error) {
	ttl := rpcCfg.ReplyTTL.Duration()

	if cfg.Addr == "" {
		return servicebus.NewMemoryReplyCache(ttl, rpcCfg.ReplyCacheSize), func() {}, nil
	}

	c, cleanup, err := rediscache.NewWithRedis(ctx, rediscache.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		TTL:      ttl,
		Lease:    rpcCfg.ClaimWait.Duration(),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	return c, cleanup, nil
}
