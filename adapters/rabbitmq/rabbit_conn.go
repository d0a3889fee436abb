package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
)

const (
	defaultBackoff = time.Second
	maxBackoff     = 30 * time.Second
	defaultRetries = 5
	productName    = "blossom"
)

// Config describes how to reach the broker.
type Config struct {
	URL         string
	ConnTimeout time.Duration
	// Prefetch bounds unacknowledged deliveries per consumer; 0 means unlimited.
	Prefetch int
	// Retries is the number of connection attempts before giving up.
	Retries int
	// Backoff is the first retry delay; it doubles up to 30s.
	Backoff time.Duration
	Logger  *zap.Logger
}

type dialFunc func(url string, cfg amqp.Config) (Connection, error)

func dialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	return WrapConnection(conn), nil
}

// NewWithAMQPConn dials RabbitMQ, retrying with exponential backoff and
// jitter, and returns the Transport with its cleanup. Once connected, a lost
// connection is final for the returned transport.
func NewWithAMQPConn(ctx context.Context, cfg Config) (*Transport, func(), error) {
	conn, err := DialWithRetry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	t, err := New(conn, cfg.Prefetch, cfg.Logger)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	return t, func() { _ = t.Close() }, nil
}

// DialWithRetry opens an AMQP connection, retrying up to cfg.Retries times.
func DialWithRetry(ctx context.Context, cfg Config) (Connection, error) {
	return dialWithRetry(ctx, cfg, dialAMQP)
}

func dialWithRetry(ctx context.Context, cfg Config, dial dialFunc) (Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrConnection)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	amqpCfg := amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": productName},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	}

	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := dial(cfg.URL, amqpCfg)
		if err == nil {
			if attempt > 1 {
				logger.Info("rabbitmq connected", zap.Int("attempt", attempt))
			}

			return conn, nil
		}

		lastErr = err
		if attempt == retries {
			break
		}

		sleep := jittered(backoff, rng)
		logger.Warn("rabbitmq dial failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", sleep),
			zap.Error(err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return nil, fmt.Errorf("rabbitmq dial after %d attempts: %w: %w", retries, berr.ErrConnection, lastErr)
}

// jittered adds up to a quarter of backoff as jitter, capped at maxBackoff.
func jittered(backoff time.Duration, rng *rand.Rand) time.Duration {
	var jitter time.Duration
	if half := int64(backoff / 2); half > 0 {
		jitter = time.Duration(rng.Int63n(half))
	}

	return min(backoff+jitter/2, maxBackoff)
}
