package nats

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
)

// Concrete NATS connection-backed Conn and constructor.

type Config struct {
	URL         string
	Name        string
	ConnTimeout time.Duration
	Logger      *zap.Logger
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) PublishMsg(m *nats.Msg) error { return c.nc.PublishMsg(m) }

func (c natsConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, cb)
}

func (c natsConn) NewInbox() string { return c.nc.NewRespInbox() }

func (c natsConn) Status() nats.Status { return c.nc.Status() }

func (c natsConn) Close() {
	if !c.nc.IsClosed() {
		_ = c.nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
		c.nc.Close()
	}
}

// NewWithNATS connects to NATS with reconnects disabled and returns a
// Transport and a cleanup. Disconnection is final for the transport.
func NewWithNATS(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrConnection)
	}

	var current atomic.Pointer[Transport]

	lost := func(err error) {
		if t := current.Load(); t != nil {
			t.Lost(err)
		}
	}

	opts := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { lost(err) }),
		nats.ClosedHandler(func(nc *nats.Conn) {
			err := nc.LastError()
			if err == nil {
				err = errors.New("connection closed")
			}

			lost(err)
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrConnection, err)
	}

	t := New(natsConn{nc: nc}, cfg.Logger)
	current.Store(t)
	cleanup := func() { _ = t.Close() }

	return t, cleanup, nil
}
