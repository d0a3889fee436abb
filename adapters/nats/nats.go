package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

// Subscription is the handle of a queue subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the subset of *nats.Conn the transport uses.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
	NewInbox() string
	Status() nats.Status
	Close()
}

// Transport implements rpc.Transport on core NATS. Queues are subjects with a
// queue group of the same name, so competing consumers share the load. Core
// NATS delivers at most once: Ack is a no-op and a message is lost if its
// consumer dies before settling it. Reject with requeue republishes the
// message flagged as redelivered.
type Transport struct {
	conn   Conn
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]rpc.QueueOptions

	lostFlag atomic.Bool
	done     chan struct{}
	errMu    sync.Mutex
	err      error
	closed   atomic.Bool
}

var _ rpc.Transport = (*Transport)(nil)

// New wraps an established connection. Call Lost from the connection's
// disconnect and closed handlers; NewWithNATS does this.
func New(conn Conn, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Transport{
		conn:   conn,
		logger: logger,
		queues: make(map[string]rpc.QueueOptions),
		done:   make(chan struct{}),
	}
}

// Lost marks the connection as gone. The transport stays down afterwards.
func (t *Transport) Lost(cause error) {
	if cause == nil {
		cause = errors.New("connection closed")
	}

	if t.closed.Load() {
		return
	}

	t.lostFlag.Store(true)

	if t.finish(fmt.Errorf("nats: %w: %w", berr.ErrConnection, cause)) {
		t.logger.Error("nats connection lost", zap.Error(cause))
	}
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.conn == nil {
		return fmt.Errorf("nats %s: %w: no connection", label, berr.ErrConnection)
	}

	if s := t.State(); s != rpc.StateConnected {
		return fmt.Errorf("nats %s: %w: transport %s", label, berr.ErrConnection, s)
	}

	return nil
}

// DeclareQueue records the subject; NATS subjects need no declaration.
func (t *Transport) DeclareQueue(ctx context.Context, name string, opts rpc.QueueOptions) error {
	if err := t.ready(ctx, "declare"); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.queues[name]; !ok {
		t.queues[name] = opts
	}

	return nil
}

// DeclareReplyQueue allocates a fresh inbox subject.
func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := t.ready(ctx, "declare reply"); err != nil {
		return "", err
	}

	name := t.conn.NewInbox()

	t.mu.Lock()
	t.queues[name] = rpc.QueueOptions{AutoDelete: true, Exclusive: true}
	t.mu.Unlock()

	return name, nil
}

func (t *Transport) Publish(ctx context.Context, destination string, msg rpc.Message) error {
	if err := t.ready(ctx, "publish"); err != nil {
		return err
	}

	return t.publish(destination, msg, false)
}

func (t *Transport) publish(subject string, msg rpc.Message, redelivered bool) error {
	m := &nats.Msg{Subject: subject, Reply: msg.ReplyTo, Data: msg.Body, Header: nats.Header{}}

	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	if msg.CorrelationID != "" {
		m.Header.Set(rpc.HeaderCorrelationID, msg.CorrelationID)
	}

	if redelivered {
		m.Header.Set(rpc.HeaderRedelivered, "true")
	}

	if err := t.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, errors.Join(berr.ErrPublishFailed, berr.ErrConnection, err))
	}

	return nil
}

func (t *Transport) Consume(ctx context.Context, queue string, h rpc.DeliveryHandler) error {
	if err := t.ready(ctx, "consume"); err != nil {
		return err
	}

	t.mu.Lock()
	_, ok := t.queues[queue]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats consume %s: %w", queue, berr.ErrQueueNotFound)
	}

	sub, err := t.conn.QueueSubscribe(queue, queue, func(m *nats.Msg) {
		h(ctx, t.toDelivery(queue, m))
	})
	if err != nil {
		return fmt.Errorf("nats consume %s: %w", queue, errors.Join(berr.ErrConnection, err))
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}

		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			t.logger.Debug("nats unsubscribe", zap.String("subject", queue), zap.Error(err))
		}
	}()

	return nil
}

func (t *Transport) toDelivery(queue string, m *nats.Msg) *rpc.Delivery {
	msg := rpc.Message{ReplyTo: m.Reply, Body: m.Data}

	redelivered := false

	if len(m.Header) > 0 {
		msg.Headers = make(map[string]string, len(m.Header))

		for k := range m.Header {
			switch k {
			case rpc.HeaderCorrelationID:
				msg.CorrelationID = m.Header.Get(k)
			case rpc.HeaderRedelivered:
				redelivered = m.Header.Get(k) == "true"
			default:
				msg.Headers[k] = m.Header.Get(k)
			}
		}
	}

	reject := func(requeue bool) error {
		if !requeue {
			return nil
		}

		if s := t.State(); s != rpc.StateConnected {
			return fmt.Errorf("nats requeue %s: %w: transport %s", queue, berr.ErrConnection, s)
		}

		return t.publish(queue, msg, true)
	}

	return rpc.NewDelivery(queue, msg, redelivered, nil, reject)
}

// State maps the connection status, and stays disconnected once lost.
func (t *Transport) State() rpc.State {
	if t.closed.Load() {
		return rpc.StateClosed
	}

	if t.lostFlag.Load() || t.conn == nil {
		return rpc.StateDisconnected
	}

	switch t.conn.Status() {
	case nats.CONNECTED:
		return rpc.StateConnected
	case nats.CONNECTING, nats.RECONNECTING:
		return rpc.StateConnecting
	case nats.CLOSED:
		return rpc.StateClosed
	default:
		return rpc.StateDisconnected
	}
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	return t.err
}

func (t *Transport) Close() error {
	if !t.lostFlag.Load() {
		t.closed.Store(true)
	}

	t.finish(fmt.Errorf("nats: %w: transport closed", berr.ErrConnection))

	if t.conn != nil {
		t.conn.Close()
	}

	return nil
}

func (t *Transport) finish(cause error) bool {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	if t.err != nil {
		return false
	}

	t.err = cause
	close(t.done)

	return true
}
