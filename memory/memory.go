// Package memory runs the whole system in one process: the users and auth
// workers with in-memory stores behind the in-memory broker, and the typed
// clients and gateway in front of them.
package memory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/next-trace/blossom/adapters/inmemory"
	contractauth "github.com/next-trace/blossom/contract/auth"
	contractusers "github.com/next-trace/blossom/contract/users"
	"github.com/next-trace/blossom/internal/auth"
	"github.com/next-trace/blossom/internal/clients"
	"github.com/next-trace/blossom/internal/config"
	"github.com/next-trace/blossom/internal/gateway"
	"github.com/next-trace/blossom/internal/password"
	"github.com/next-trace/blossom/internal/platform/worker"
	"github.com/next-trace/blossom/internal/users"
	"github.com/next-trace/blossom/servicebus"
)

// RunWorkers serves the users and auth workers on the configured broker with
// in-memory stores until ctx ends or one of them fails.
func RunWorkers(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc := users.NewService(users.NewMemStore(), users.WithLogger(logger))
		return worker.Run(gctx, cfg, contractusers.Service, logger, func(d *servicebus.Dispatcher) error {
			return users.Register(d, svc)
		})
	})

	g.Go(func() error {
		svc := auth.NewService(auth.NewMemStore(), auth.WithLogger(logger))
		return worker.Run(gctx, cfg, contractauth.Service, logger, func(d *servicebus.Dispatcher) error {
			return auth.Register(d, svc)
		})
	})

	return g.Wait()
}

// System is a self-contained deployment on a private broker.
type System struct {
	Broker    *inmemory.Broker
	Transport *inmemory.Transport
	Users     *clients.Users
	Auth      *clients.Auth
	Gateway   *gateway.Gateway
}

// Option configures New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	hasher     password.Hasher
	clientOpts []servicebus.ClientOption
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithHasher replaces the bcrypt hasher of both workers.
func WithHasher(h password.Hasher) Option { return func(o *options) { o.hasher = h } }

// WithClientOptions applies opts to both service clients.
func WithClientOptions(opts ...servicebus.ClientOption) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// New starts both workers on a fresh broker and returns the system with a
// cleanup that stops everything.
func New(ctx context.Context, opts ...Option) (*System, func(), error) {
	o := options{logger: zap.NewNop(), hasher: password.NewBcrypt()}
	for _, opt := range opts {
		opt(&o)
	}

	b := inmemory.NewBroker()
	t := b.Connect()

	usersDispatcher := servicebus.NewDispatcher(t, contractusers.Service, servicebus.WithDispatcherLogger(o.logger))
	authDispatcher := servicebus.NewDispatcher(t, contractauth.Service, servicebus.WithDispatcherLogger(o.logger))

	err := errors.Join(
		users.Register(usersDispatcher, users.NewService(users.NewMemStore(), users.WithHasher(o.hasher), users.WithLogger(o.logger))),
		auth.Register(authDispatcher, auth.NewService(auth.NewMemStore(), auth.WithHasher(o.hasher), auth.WithLogger(o.logger))),
	)
	if err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("memory system: %w", err)
	}

	serveCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return usersDispatcher.Serve(gctx) })
	g.Go(func() error { return authDispatcher.Serve(gctx) })

	clientOpts := append([]servicebus.ClientOption{servicebus.WithLogger(o.logger)}, o.clientOpts...)

	uc, err := servicebus.NewClient(ctx, t, contractusers.Service, clientOpts...)
	if err != nil {
		stop()
		_ = g.Wait()
		_ = t.Close()

		return nil, nil, fmt.Errorf("memory system: %w", err)
	}

	ac, err := servicebus.NewClient(ctx, t, contractauth.Service, clientOpts...)
	if err != nil {
		_ = uc.Close()
		stop()
		_ = g.Wait()
		_ = t.Close()

		return nil, nil, fmt.Errorf("memory system: %w", err)
	}

	// The client services match by construction.
	u, _ := clients.NewUsers(uc)
	a, _ := clients.NewAuth(ac)

	cleanup := func() {
		_ = uc.Close()
		_ = ac.Close()
		stop()
		_ = g.Wait()
		_ = t.Close()
	}

	return &System{Broker: b, Transport: t, Users: u, Auth: a, Gateway: gateway.New(u, a, o.logger)}, cleanup, nil
}
