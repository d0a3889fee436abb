package rabbitmq_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/blossom/adapters/rabbitmq"
	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

type declared struct {
	name                           string
	durable, autoDelete, exclusive bool
}

type published struct {
	key string
	msg amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declares   []declared
	publishes  []published
	prefetch   int
	consumeTag string
	cancelled  bool
	closed     bool
	deliveries chan amqp.Delivery
	publishErr error
	notify     chan *amqp.Error
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.declares = append(f.declares, declared{name, durable, autoDelete, exclusive})
	if name == "" {
		name = "amq.gen-test"
	}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.publishes = append(f.publishes, published{key: key, msg: msg})

	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prefetch = prefetchCount

	return nil
}

func (f *fakeChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.consumeTag = consumer

	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = true

	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.notify = receiver

	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	channels []*fakeChannel
	notify   chan *amqp.Error
	closed   bool
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notify = receiver

	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *fakeConn) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channels[i]
}

type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acked = append(a.acked, tag)

	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)

	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func newTransport(t *testing.T) (*rabbitmq.Transport, *fakeConn) {
	t.Helper()

	conn := &fakeConn{}

	tr, err := rabbitmq.New(conn, 8, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	t.Cleanup(func() { _ = tr.Close() })

	return tr, conn
}

func TestRabbitMQ_DeclareAndPublish(t *testing.T) {
	tr, conn := newTransport(t)

	if err := tr.DeclareQueue(t.Context(), "users", rpc.QueueOptions{Durable: true}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	reply, err := tr.DeclareReplyQueue(t.Context())
	if err != nil {
		t.Fatalf("declare reply: %v", err)
	}

	if reply != "amq.gen-test" {
		t.Fatalf("reply queue %q", reply)
	}

	pub := conn.channel(0)
	if len(pub.declares) != 2 {
		t.Fatalf("declares: %+v", pub.declares)
	}

	if d := pub.declares[0]; d.name != "users" || !d.durable || d.autoDelete {
		t.Fatalf("service queue: %+v", d)
	}

	if d := pub.declares[1]; d.name != "" || d.durable || !d.autoDelete || !d.exclusive {
		t.Fatalf("reply queue: %+v", d)
	}

	msg := rpc.Message{CorrelationID: "c1", ReplyTo: reply, Headers: map[string]string{"traceparent": "x"}, Body: []byte(`{}`)}
	if err := tr.Publish(t.Context(), "users", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := tr.Publish(t.Context(), reply, rpc.Message{CorrelationID: "c1", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("publish reply: %v", err)
	}

	if len(pub.publishes) != 2 {
		t.Fatalf("publishes: %d", len(pub.publishes))
	}

	req := pub.publishes[0]
	if req.key != "users" || req.msg.CorrelationId != "c1" || req.msg.ReplyTo != reply {
		t.Fatalf("request properties: %+v", req)
	}

	if req.msg.DeliveryMode != amqp.Persistent || req.msg.Headers["traceparent"] != "x" {
		t.Fatalf("request mode/headers: %+v", req.msg)
	}

	if pub.publishes[1].msg.DeliveryMode != amqp.Transient {
		t.Fatalf("reply should be transient")
	}
}

func TestRabbitMQ_PublishErrorWrapping(t *testing.T) {
	tr, conn := newTransport(t)

	conn.channel(0).publishErr = errors.New("channel closed")

	err := tr.Publish(t.Context(), "users", rpc.Message{})
	if !errors.Is(err, berr.ErrPublishFailed) || !errors.Is(err, berr.ErrConnection) {
		t.Fatalf("want publish+connection error, got %v", err)
	}

	conn.channel(0).publishErr = context.Canceled

	if err := tr.Publish(t.Context(), "users", rpc.Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestRabbitMQ_ConsumeAckNack(t *testing.T) {
	tr, conn := newTransport(t)

	got := make(chan *rpc.Delivery, 2)

	ctx, cancel := context.WithCancel(t.Context())
	if err := tr.Consume(ctx, "users", func(_ context.Context, d *rpc.Delivery) { got <- d }); err != nil {
		t.Fatalf("consume: %v", err)
	}

	ch := conn.channel(1)
	if ch.prefetch != 8 || ch.consumeTag == "" {
		t.Fatalf("consumer channel: prefetch=%d tag=%q", ch.prefetch, ch.consumeTag)
	}

	ack := &fakeAck{}
	ch.deliveries <- amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   1,
		CorrelationId: "c1",
		ReplyTo:       "amq.gen-x",
		Headers:       amqp.Table{"traceparent": "tp", "attempt": int32(2)},
		Body:          []byte(`{"pattern":"users.findAll"}`),
	}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Redelivered: true}

	first := <-got
	if first.CorrelationID != "c1" || first.ReplyTo != "amq.gen-x" || first.Queue != "users" {
		t.Fatalf("delivery: %+v", first)
	}

	if first.Headers["traceparent"] != "tp" || first.Headers["attempt"] != "2" {
		t.Fatalf("headers: %+v", first.Headers)
	}

	if err := first.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := first.Ack(); !errors.Is(err, berr.ErrAlreadySettled) {
		t.Fatalf("second ack: %v", err)
	}

	second := <-got
	if !second.Redelivered {
		t.Fatalf("redelivered flag lost")
	}

	if err := second.Reject(true); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if len(ack.acked) != 1 || ack.acked[0] != 1 || len(ack.nacked) != 1 || !ack.requeue[0] {
		t.Fatalf("settlements: %+v", ack)
	}

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ch.mu.Lock()
		done := ch.cancelled && ch.closed
		ch.mu.Unlock()

		if done {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("consumer channel not cancelled and closed")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestRabbitMQ_ConnectionLoss(t *testing.T) {
	tr, conn := newTransport(t)

	conn.mu.Lock()
	notify := conn.notify
	conn.mu.Unlock()

	notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"}

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed after connection loss")
	}

	if tr.State() != rpc.StateDisconnected {
		t.Fatalf("state %s", tr.State())
	}

	if !errors.Is(tr.Err(), berr.ErrConnection) {
		t.Fatalf("err %v", tr.Err())
	}

	if err := tr.Publish(t.Context(), "users", rpc.Message{}); !errors.Is(err, berr.ErrConnection) {
		t.Fatalf("publish after loss: %v", err)
	}
}

func TestRabbitMQ_PublishingChannelException(t *testing.T) {
	tr, conn := newTransport(t)

	pub := conn.channel(0)
	pub.mu.Lock()
	notify := pub.notify
	pub.mu.Unlock()

	notify <- &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue 'gone'"}

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed after channel exception")
	}

	if tr.State() != rpc.StateDisconnected || !errors.Is(tr.Err(), berr.ErrConnection) {
		t.Fatalf("state=%s err=%v", tr.State(), tr.Err())
	}

	// The connection itself is still open and must be released.
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()

	if !closed || tr.State() != rpc.StateDisconnected {
		t.Fatalf("conn closed=%v state=%s", closed, tr.State())
	}
}

func TestRabbitMQ_ConsumerClosedByServer(t *testing.T) {
	tr, conn := newTransport(t)

	if err := tr.Consume(t.Context(), "users", func(context.Context, *rpc.Delivery) {}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	close(conn.channel(1).deliveries)

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed after the consumer was cancelled by the server")
	}

	if !errors.Is(tr.Err(), berr.ErrConnection) || !strings.Contains(tr.Err().Error(), "consumer on users closed") {
		t.Fatalf("err %v", tr.Err())
	}
}

func TestRabbitMQ_ConsumerStopsQuietlyOnContextEnd(t *testing.T) {
	tr, conn := newTransport(t)

	ctx, cancel := context.WithCancel(t.Context())

	if err := tr.Consume(ctx, "users", func(context.Context, *rpc.Delivery) {}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	cancel()

	ch := conn.channel(1)
	deadline := time.Now().Add(2 * time.Second)

	for {
		ch.mu.Lock()
		closed := ch.closed
		ch.mu.Unlock()

		if closed {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("consumer channel not closed")
		}

		time.Sleep(5 * time.Millisecond)
	}

	if tr.State() != rpc.StateConnected {
		t.Fatalf("state %s", tr.State())
	}
}

func TestRabbitMQ_Close(t *testing.T) {
	conn := &fakeConn{}

	tr, err := rabbitmq.New(conn, 0, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if !conn.closed || tr.State() != rpc.StateClosed {
		t.Fatalf("closed=%v state=%s", conn.closed, tr.State())
	}
}

func TestRabbitMQ_NilConnection(t *testing.T) {
	if _, err := rabbitmq.New(nil, 0, nil); !errors.Is(err, berr.ErrConnection) {
		t.Fatalf("want ErrConnection, got %v", err)
	}
}
