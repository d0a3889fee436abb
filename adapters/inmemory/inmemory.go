package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

// Broker is an in-process message broker with named queues, competing
// consumers and ack/requeue semantics. Processes share a Broker and each
// opens its own Transport with Connect.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Connect opens a transport on the broker.
func (b *Broker) Connect() *Transport {
	t := &Transport{broker: b, done: make(chan struct{})}
	t.state.Store(int32(rpc.StateConnected))

	return t
}

// Depth returns the number of ready (not in-flight) messages on a queue.
func (b *Broker) Depth(name string) int {
	q, ok := b.lookup(name)
	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// HasQueue reports whether a queue is currently declared.
func (b *Broker) HasQueue(name string) bool {
	_, ok := b.lookup(name)
	return ok
}

func (b *Broker) declare(name string, opts rpc.QueueOptions) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}

	q := &queue{name: name, opts: opts, signal: make(chan struct{}, 1)}
	b.queues[name] = q

	return q
}

func (b *Broker) lookup(name string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]

	return q, ok
}

func (b *Broker) remove(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.queues[q.name]; ok && cur == q {
		delete(b.queues, q.name)
	}
}

type item struct {
	msg         rpc.Message
	redelivered bool
}

type queue struct {
	name string
	opts rpc.QueueOptions

	mu        sync.Mutex
	items     []item
	consumers int
	signal    chan struct{}
}

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.poke()
}

func (q *queue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}

	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]

	if len(q.items) > 0 {
		q.poke()
	}

	return it, true
}

func (q *queue) poke() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Transport is one process's connection to a Broker.
type Transport struct {
	broker *Broker

	state     atomic.Int32
	done      chan struct{}
	mu        sync.Mutex
	err       error
	consumers sync.WaitGroup
}

var _ rpc.Transport = (*Transport)(nil)

func (t *Transport) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s := t.State(); s != rpc.StateConnected {
		return fmt.Errorf("inmemory %s: %w: transport %s", label, berr.ErrConnection, s)
	}

	return nil
}

func (t *Transport) DeclareQueue(ctx context.Context, name string, opts rpc.QueueOptions) error {
	if err := t.ready(ctx, "declare"); err != nil {
		return err
	}

	t.broker.declare(name, opts)

	return nil
}

func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := t.ready(ctx, "declare reply"); err != nil {
		return "", err
	}

	name := "amq.gen-" + uuid.NewString()
	t.broker.declare(name, rpc.QueueOptions{AutoDelete: true, Exclusive: true})

	return name, nil
}

func (t *Transport) Publish(ctx context.Context, destination string, msg rpc.Message) error {
	if err := t.ready(ctx, "publish"); err != nil {
		return err
	}

	q, ok := t.broker.lookup(destination)
	if !ok {
		return fmt.Errorf("inmemory publish %s: %w", destination, errors.Join(berr.ErrPublishFailed, berr.ErrQueueNotFound))
	}

	q.push(item{msg: copyMessage(msg)})

	return nil
}

func (t *Transport) Consume(ctx context.Context, name string, h rpc.DeliveryHandler) error {
	if err := t.ready(ctx, "consume"); err != nil {
		return err
	}

	q, ok := t.broker.lookup(name)
	if !ok {
		return fmt.Errorf("inmemory consume %s: %w", name, berr.ErrQueueNotFound)
	}

	q.mu.Lock()
	q.consumers++
	q.mu.Unlock()

	c := &consumer{queue: q, inflight: make(map[uint64]item)}

	t.consumers.Add(1)

	go func() {
		defer t.consumers.Done()
		c.run(ctx, t.done, h)
		t.release(c)
	}()

	return nil
}

// release requeues what the consumer left unsettled and drops auto-delete
// queues once their last consumer leaves.
func (t *Transport) release(c *consumer) {
	c.mu.Lock()
	left := c.inflight
	c.inflight = nil
	c.mu.Unlock()

	for _, it := range left {
		it.redelivered = true
		c.queue.push(it)
	}

	q := c.queue
	q.mu.Lock()
	q.consumers--
	drop := q.opts.AutoDelete && q.consumers == 0
	q.mu.Unlock()

	if drop {
		t.broker.remove(q)
	}
}

func (t *Transport) State() rpc.State { return rpc.State(t.state.Load()) }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Sever simulates losing the broker connection. In-flight deliveries of this
// transport's consumers return to their queues.
func (t *Transport) Sever(cause error) {
	t.shutdown(rpc.StateDisconnected, fmt.Errorf("inmemory: %w: %w", berr.ErrConnection, cause))
}

func (t *Transport) Close() error {
	t.shutdown(rpc.StateClosed, fmt.Errorf("inmemory: %w: transport closed", berr.ErrConnection))
	t.consumers.Wait()

	return nil
}

func (t *Transport) shutdown(state rpc.State, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return
	}

	t.err = cause
	t.state.Store(int32(state))
	close(t.done)
}

type consumer struct {
	queue *queue

	mu       sync.Mutex
	tag      uint64
	inflight map[uint64]item
}

func (c *consumer) run(ctx context.Context, done <-chan struct{}, h rpc.DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-c.queue.signal:
		}

		for {
			if ctx.Err() != nil {
				c.queue.poke()
				return
			}

			it, ok := c.queue.pop()
			if !ok {
				break
			}

			h(ctx, c.track(it))
		}
	}
}

func (c *consumer) track(it item) *rpc.Delivery {
	c.mu.Lock()
	c.tag++
	tag := c.tag
	c.inflight[tag] = it
	c.mu.Unlock()

	ack := func() error {
		c.settle(tag)
		return nil
	}

	reject := func(requeue bool) error {
		it, ok := c.settle(tag)
		if ok && requeue {
			it.redelivered = true
			c.queue.push(it)
		}

		return nil
	}

	return rpc.NewDelivery(c.queue.name, copyMessage(it.msg), it.redelivered, ack, reject)
}

func (c *consumer) settle(tag uint64) (item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.inflight[tag]
	if ok {
		delete(c.inflight, tag)
	}

	return it, ok
}

func copyMessage(m rpc.Message) rpc.Message {
	out := m
	if m.Headers != nil {
		out.Headers = maps.Clone(m.Headers)
	}

	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}

	return out
}
