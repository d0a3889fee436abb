package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

const (
	replyTopicPrefix = "replies."
	pollRetryDelay   = 500 * time.Millisecond
)

// Record is one consumed Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string

	raw any
}

// Producer writes records. Users can adapt any Kafka client to this.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close()
}

// Consumer reads one topic as a member of a consumer group and commits
// offsets explicitly.
type Consumer interface {
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, r Record) error
	Close()
}

// ConsumerFactory opens a group consumer for topic.
type ConsumerFactory func(topic, group string) (Consumer, error)

// Transport implements rpc.Transport on Kafka. Each queue is a topic consumed
// by a group of the same name. Ack commits the record; reject with requeue
// produces it again flagged as redelivered, then commits. Reply topics are
// not deleted when their client goes away; retention cleans them up.
type Transport struct {
	producer   Producer
	newConsume ConsumerFactory
	logger     *zap.Logger

	mu     sync.Mutex
	topics map[string]rpc.QueueOptions

	state     atomic.Int32
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	consumers sync.WaitGroup
	closeOnce sync.Once
}

var _ rpc.Transport = (*Transport)(nil)

// New builds a Transport from a producer and a consumer factory.
func New(p Producer, f ConsumerFactory, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transport{
		producer:   p,
		newConsume: f,
		logger:     logger,
		topics:     make(map[string]rpc.QueueOptions),
		done:       make(chan struct{}),
	}
	t.state.Store(int32(rpc.StateConnected))

	return t
}

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.producer == nil {
		return fmt.Errorf("kafka %s: %w: no producer", label, berr.ErrConnection)
	}

	if s := t.State(); s != rpc.StateConnected {
		return fmt.Errorf("kafka %s: %w: transport %s", label, berr.ErrConnection, s)
	}

	return nil
}

// DeclareQueue records the topic. Topics are created by the broker on first
// produce.
func (t *Transport) DeclareQueue(ctx context.Context, name string, opts rpc.QueueOptions) error {
	if err := t.ready(ctx, "declare"); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.topics[name]; !ok {
		t.topics[name] = opts
	}

	return nil
}

func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := t.ready(ctx, "declare reply"); err != nil {
		return "", err
	}

	name := replyTopicPrefix + uuid.NewString()

	t.mu.Lock()
	t.topics[name] = rpc.QueueOptions{AutoDelete: true, Exclusive: true}
	t.mu.Unlock()

	return name, nil
}

func (t *Transport) Publish(ctx context.Context, destination string, msg rpc.Message) error {
	if err := t.ready(ctx, "publish"); err != nil {
		return err
	}

	return t.produce(ctx, destination, msg, false)
}

func (t *Transport) produce(ctx context.Context, topic string, msg rpc.Message, redelivered bool) error {
	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}

	if msg.CorrelationID != "" {
		headers[rpc.HeaderCorrelationID] = msg.CorrelationID
	}

	if msg.ReplyTo != "" {
		headers[rpc.HeaderReplyTo] = msg.ReplyTo
	}

	if redelivered {
		headers[rpc.HeaderRedelivered] = "true"
	}

	if err := t.producer.Produce(ctx, topic, []byte(msg.CorrelationID), msg.Body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka produce %s: %w", topic, errors.Join(berr.ErrPublishFailed, berr.ErrConnection, err))
	}

	return nil
}

// Consume joins the consumer group named after queue and polls until ctx
// ends or the transport closes. Records are handed to h one at a time.
func (t *Transport) Consume(ctx context.Context, queue string, h rpc.DeliveryHandler) error {
	if err := t.ready(ctx, "consume"); err != nil {
		return err
	}

	t.mu.Lock()
	_, ok := t.topics[queue]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("kafka consume %s: %w", queue, berr.ErrQueueNotFound)
	}

	if t.newConsume == nil {
		return fmt.Errorf("kafka consume %s: %w: no consumer factory", queue, berr.ErrConnection)
	}

	c, err := t.newConsume(queue, queue)
	if err != nil {
		return fmt.Errorf("kafka consume %s: %w", queue, errors.Join(berr.ErrConnection, err))
	}

	pollCtx, cancel := context.WithCancel(ctx)

	t.consumers.Add(1)

	go func() {
		select {
		case <-pollCtx.Done():
		case <-t.done:
			cancel()
		}
	}()

	go func() {
		defer t.consumers.Done()
		defer c.Close()
		defer cancel()

		t.poll(pollCtx, queue, c, h)
	}()

	return nil
}

func (t *Transport) poll(ctx context.Context, queue string, c Consumer, h rpc.DeliveryHandler) {
	for {
		records, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			t.logger.Warn("kafka poll", zap.String("topic", queue), zap.Error(err))

			if len(records) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollRetryDelay):
				}
			}
		}

		for _, r := range records {
			if ctx.Err() != nil {
				return
			}

			h(ctx, t.toDelivery(ctx, queue, c, r))
		}
	}
}

func (t *Transport) toDelivery(ctx context.Context, queue string, c Consumer, r Record) *rpc.Delivery {
	msg := rpc.Message{Body: r.Value}
	redelivered := false

	for k, v := range r.Headers {
		switch k {
		case rpc.HeaderCorrelationID:
			msg.CorrelationID = v
		case rpc.HeaderReplyTo:
			msg.ReplyTo = v
		case rpc.HeaderRedelivered:
			redelivered = v == "true"
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string, len(r.Headers))
			}

			msg.Headers[k] = v
		}
	}

	commitCtx := context.WithoutCancel(ctx)

	ack := func() error { return c.Commit(commitCtx, r) }

	reject := func(requeue bool) error {
		if requeue {
			if err := t.produce(commitCtx, queue, msg, true); err != nil {
				return err
			}
		}

		return c.Commit(commitCtx, r)
	}

	return rpc.NewDelivery(queue, msg, redelivered, ack, reject)
}

func (t *Transport) State() rpc.State { return rpc.State(t.state.Load()) }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()

	return t.err
}

// Lost marks the cluster as unreachable. The transport stays down afterwards.
func (t *Transport) Lost(cause error) {
	if t.finish(rpc.StateDisconnected, fmt.Errorf("kafka: %w: %w", berr.ErrConnection, cause)) {
		t.logger.Error("kafka cluster unreachable", zap.Error(cause))
	}
}

// Close stops the consumers and closes the producer.
func (t *Transport) Close() error {
	t.finish(rpc.StateClosed, fmt.Errorf("kafka: %w: transport closed", berr.ErrConnection))

	t.closeOnce.Do(func() {
		t.consumers.Wait()

		if t.producer != nil {
			t.producer.Close()
		}
	})

	return nil
}

func (t *Transport) finish(state rpc.State, cause error) bool {
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
