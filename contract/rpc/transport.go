package rpc

import (
	"context"
	"sync/atomic"

	berr "github.com/next-trace/blossom/contract/errors"
)

// State is the connectivity state of a transport.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// QueueOptions controls queue declaration.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Message is what a transport moves between processes.
type Message struct {
	CorrelationID string
	ReplyTo       string
	Headers       map[string]string
	Body          []byte
}

// DeliveryHandler receives inbound messages. It runs off the goroutine that
// registered it and must settle each delivery exactly once.
type DeliveryHandler func(ctx context.Context, d *Delivery)

// Transport is a named-queue broker connection. One instance is shared by every
// client and dispatcher in a process. Implementations must be safe for
// concurrent use and must not reconnect on their own once Done is closed.
type Transport interface {
	// DeclareQueue creates or attaches to a named queue. It is idempotent.
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	// DeclareReplyQueue creates a transient, auto-deleting, uniquely named queue.
	DeclareReplyQueue(ctx context.Context) (string, error)
	// Publish sends msg to destination without waiting for a consumer.
	Publish(ctx context.Context, destination string, msg Message) error
	// Consume registers h for queue and returns once the registration is live.
	// Delivery stops when ctx is done or the transport closes; unsettled
	// deliveries go back to the queue.
	Consume(ctx context.Context, queue string, h DeliveryHandler) error
	// State reports the current connectivity state.
	State() State
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	// Err returns the cause once Done is closed.
	Err() error
	Close() error
}

// Delivery is one inbound message together with its settlement callbacks.
type Delivery struct {
	Message

	Queue       string
	Redelivered bool

	ack     func() error
	reject  func(requeue bool) error
	settled atomic.Bool
}

// NewDelivery is used by adapters to wrap a broker message.
func NewDelivery(queue string, msg Message, redelivered bool, ack func() error, reject func(requeue bool) error) *Delivery {
	return &Delivery{Message: msg, Queue: queue, Redelivered: redelivered, ack: ack, reject: reject}
}

// Ack confirms successful processing.
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return berr.ErrAlreadySettled
	}

	if d.ack == nil {
		return nil
	}

	return d.ack()
}

// Reject refuses the message, putting it back on the queue when requeue is set.
func (d *Delivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return berr.ErrAlreadySettled
	}

	if d.reject == nil {
		return nil
	}

	return d.reject(requeue)
}

// Settled reports whether Ack or Reject has been called.
func (d *Delivery) Settled() bool { return d.settled.Load() }
