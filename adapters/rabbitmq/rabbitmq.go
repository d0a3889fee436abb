package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

const contentType = "application/json"

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the transport uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection struct{ conn *amqp.Connection }

func (c amqpConnection) Channel() (Channel, error) { return c.conn.Channel() }

func (c amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConnection) Close() error { return c.conn.Close() }

// WrapConnection adapts a live *amqp.Connection.
func WrapConnection(conn *amqp.Connection) Connection { return amqpConnection{conn: conn} }

// Transport implements rpc.Transport on one AMQP connection. Queues are
// addressed through the default exchange; each consumer gets its own channel.
type Transport struct {
	conn     Connection
	prefetch int
	logger   *zap.Logger

	pubMu sync.Mutex
	pub   Channel

	state     atomic.Int32
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	consumers sync.WaitGroup
	closeOnce sync.Once
}

var _ rpc.Transport = (*Transport)(nil)

// New opens the publishing channel on conn and starts watching the
// connection. A nil logger disables logging.
func New(conn Connection, prefetch int, logger *zap.Logger) (*Transport, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq: %w: nil connection", berr.ErrConnection)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq open channel: %w", errors.Join(berr.ErrConnection, err))
	}

	t := &Transport{conn: conn, prefetch: prefetch, logger: logger, pub: ch, done: make(chan struct{})}
	t.state.Store(int32(rpc.StateConnected))

	connNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	pubNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	go t.watch(connNotify, pubNotify)

	return t, nil
}

// watch ends the transport when the connection or the publishing channel
// closes. A channel exception leaves the connection open but the transport
// can no longer publish.
func (t *Transport) watch(connNotify, pubNotify chan *amqp.Error) {
	var (
		what    string
		amqpErr *amqp.Error
		ok      bool
	)

	select {
	case <-t.done:
		return
	case amqpErr, ok = <-connNotify:
		what = "connection"
	case amqpErr, ok = <-pubNotify:
		what = "publishing channel"
	}

	cause := fmt.Errorf("%s closed", what)
	if ok && amqpErr != nil {
		cause = fmt.Errorf("%s closed: %w", what, amqpErr)
	}

	t.lost(cause)
}

func (t *Transport) lost(cause error) {
	if t.shutdown(rpc.StateDisconnected, fmt.Errorf("rabbitmq: %w: %w", berr.ErrConnection, cause)) {
		t.logger.Error("rabbitmq transport lost", zap.Error(cause))
	}
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s := t.State(); s != rpc.StateConnected {
		return fmt.Errorf("rabbitmq %s: %w: transport %s", label, berr.ErrConnection, s)
	}

	return nil
}

func (t *Transport) DeclareQueue(ctx context.Context, name string, opts rpc.QueueOptions) error {
	if err := t.ready(ctx, "declare"); err != nil {
		return err
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if _, err := t.pub.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", name, errors.Join(berr.ErrConnection, err))
	}

	return nil
}

// DeclareReplyQueue lets the broker name an exclusive, auto-deleting queue.
func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := t.ready(ctx, "declare reply"); err != nil {
		return "", err
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	q, err := t.pub.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("rabbitmq declare reply queue: %w", errors.Join(berr.ErrConnection, err))
	}

	return q.Name, nil
}

// Publish sends msg to the queue named destination. Requests (messages that
// expect a reply) are persistent; replies are transient.
func (t *Transport) Publish(ctx context.Context, destination string, msg rpc.Message) error {
	if err := t.ready(ctx, "publish"); err != nil {
		return err
	}

	var h amqp.Table
	if len(msg.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range msg.Headers {
			h[k] = v
		}
	}

	mode := amqp.Transient
	if msg.ReplyTo != "" {
		mode = amqp.Persistent
	}

	t.pubMu.Lock()
	err := t.pub.PublishWithContext(ctx, "", destination, false, false, amqp.Publishing{
		DeliveryMode:  mode,
		Headers:       h,
		ContentType:   contentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	})
	t.pubMu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", destination, errors.Join(berr.ErrPublishFailed, berr.ErrConnection, err))
	}

	return nil
}

// Consume opens a dedicated channel with the configured prefetch and
// delivers with manual acknowledgement. Closing the channel on ctx end hands
// unacknowledged messages back to the broker.
func (t *Transport) Consume(ctx context.Context, queue string, h rpc.DeliveryHandler) error {
	if err := t.ready(ctx, "consume"); err != nil {
		return err
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: open channel: %w", queue, errors.Join(berr.ErrConnection, err))
	}

	if t.prefetch > 0 {
		if err := ch.Qos(t.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("rabbitmq consume %s: qos: %w", queue, errors.Join(berr.ErrConnection, err))
		}
	}

	tag := "blossom-" + uuid.NewString()

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq consume %s: %w", queue, errors.Join(berr.ErrConnection, err))
	}

	t.consumers.Add(1)

	go func() {
		defer t.consumers.Done()
		defer func() { _ = ch.Close() }()

		for {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(tag, false)
				return
			case <-t.done:
				return
			case d, ok := <-deliveries:
				if !ok {
					if ctx.Err() == nil {
						t.lost(fmt.Errorf("consumer on %s closed by server", queue))
					}

					return
				}

				h(ctx, toDelivery(queue, d))
			}
		}
	}()

	return nil
}

func toDelivery(queue string, d amqp.Delivery) *rpc.Delivery {
	msg := rpc.Message{
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Body:          d.Body,
	}

	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				msg.Headers[k] = s
			} else {
				msg.Headers[k] = fmt.Sprint(v)
			}
		}
	}

	return rpc.NewDelivery(queue, msg, d.Redelivered,
		func() error { return d.Ack(false) },
		func(requeue bool) error { return d.Nack(false, requeue) },
	)
}

func (t *Transport) State() rpc.State { return rpc.State(t.state.Load()) }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	return t.err
}

// Close stops every consumer and closes the connection. After a loss it
// still releases whatever the server left open.
func (t *Transport) Close() error {
	t.shutdown(rpc.StateClosed, fmt.Errorf("rabbitmq: %w: transport closed", berr.ErrConnection))

	var err error

	t.closeOnce.Do(func() {
		t.consumers.Wait()

		t.pubMu.Lock()
		_ = t.pub.Close()
		t.pubMu.Unlock()

		if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = fmt.Errorf("rabbitmq close: %w", cerr)
		}
	})

	return err
}

func (t *Transport) shutdown(state rpc.State, cause error) bool {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	if t.err != nil {
		return false
	}

	t.err = cause
	t.state.Store(int32(state))
	close(t.done)

	return true
}
