package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/next-trace/blossom/adapters/nats"
	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

type fakeSub struct {
	conn    *fakeConn
	subject string
}

func (s *fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	delete(s.conn.subs, s.subject)

	return nil
}

// fakeConn routes published messages to the subscriber of their subject.
type fakeConn struct {
	mu        sync.Mutex
	subs      map[string]natsgo.MsgHandler
	published []*natsgo.Msg
	status    natsgo.Status
	inboxes   int
	closed    bool
	err       error
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: map[string]natsgo.MsgHandler{}, status: natsgo.CONNECTED}
}

func (c *fakeConn) PublishMsg(m *natsgo.Msg) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}

	c.published = append(c.published, m)
	cb := c.subs[m.Subject]
	c.mu.Unlock()

	if cb != nil {
		go cb(m)
	}

	return nil
}

func (c *fakeConn) QueueSubscribe(subject, _ string, cb natsgo.MsgHandler) (nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs[subject] = cb

	return &fakeSub{conn: c, subject: subject}, nil
}

func (c *fakeConn) NewInbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inboxes++

	return "_INBOX.test." + string(rune('a'+c.inboxes))
}

func (c *fakeConn) Status() natsgo.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.status = natsgo.CLOSED
}

func (c *fakeConn) subscribed(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.subs[subject]

	return ok
}

func receive(t *testing.T, ch <-chan *rpc.Delivery) *rpc.Delivery {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
		return nil
	}
}

func TestNATS_PublishConsume(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, nil)

	if err := tr.DeclareQueue(t.Context(), "users", rpc.QueueOptions{Durable: true}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	inbox, err := tr.DeclareReplyQueue(t.Context())
	if err != nil || inbox == "" {
		t.Fatalf("reply queue %q: %v", inbox, err)
	}

	got := make(chan *rpc.Delivery, 1)

	ctx, cancel := context.WithCancel(t.Context())
	if err := tr.Consume(ctx, "users", func(_ context.Context, d *rpc.Delivery) { got <- d }); err != nil {
		t.Fatalf("consume: %v", err)
	}

	msg := rpc.Message{CorrelationID: "c1", ReplyTo: inbox, Headers: map[string]string{"traceparent": "tp"}, Body: []byte(`{"pattern":"users.findAll"}`)}
	if err := tr.Publish(t.Context(), "users", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := receive(t, got)
	if d.CorrelationID != "c1" || d.ReplyTo != inbox || d.Headers["traceparent"] != "tp" || d.Redelivered {
		t.Fatalf("delivery: %+v", d)
	}

	if _, ok := d.Headers[rpc.HeaderCorrelationID]; ok {
		t.Fatalf("envelope header leaked into headers: %+v", d.Headers)
	}

	if err := d.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for fc.subscribed("users") {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not removed after cancel")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestNATS_RejectRequeueRepublishes(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, nil)

	_ = tr.DeclareQueue(t.Context(), "users", rpc.QueueOptions{Durable: true})

	got := make(chan *rpc.Delivery, 2)
	if err := tr.Consume(t.Context(), "users", func(_ context.Context, d *rpc.Delivery) { got <- d }); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := tr.Publish(t.Context(), "users", rpc.Message{CorrelationID: "c1", ReplyTo: "_INBOX.x", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first := receive(t, got)
	if err := first.Reject(true); err != nil {
		t.Fatalf("reject: %v", err)
	}

	second := receive(t, got)
	if !second.Redelivered || second.CorrelationID != "c1" || second.ReplyTo != "_INBOX.x" {
		t.Fatalf("redelivery: %+v", second)
	}

	if err := second.Reject(false); err != nil {
		t.Fatalf("reject without requeue: %v", err)
	}

	select {
	case d := <-got:
		t.Fatalf("unexpected delivery after drop: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNATS_ConsumeUndeclared(t *testing.T) {
	tr := nats.New(newFakeConn(), nil)

	err := tr.Consume(t.Context(), "nowhere", func(context.Context, *rpc.Delivery) {})
	if !errors.Is(err, berr.ErrQueueNotFound) {
		t.Fatalf("want ErrQueueNotFound, got %v", err)
	}
}

func TestNATS_PublishError(t *testing.T) {
	fc := newFakeConn()
	fc.err = errors.New("write failed")
	tr := nats.New(fc, nil)

	err := tr.Publish(t.Context(), "users", rpc.Message{})
	if !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}
}

func TestNATS_StateMapping(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, nil)

	cases := []struct {
		status natsgo.Status
		want   rpc.State
	}{
		{natsgo.CONNECTED, rpc.StateConnected},
		{natsgo.RECONNECTING, rpc.StateConnecting},
		{natsgo.CONNECTING, rpc.StateConnecting},
		{natsgo.DISCONNECTED, rpc.StateDisconnected},
		{natsgo.CLOSED, rpc.StateClosed},
	}

	for _, tc := range cases {
		fc.mu.Lock()
		fc.status = tc.status
		fc.mu.Unlock()

		if got := tr.State(); got != tc.want {
			t.Fatalf("status %v: got %s want %s", tc.status, got, tc.want)
		}
	}
}

func TestNATS_LostIsFinal(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, nil)

	tr.Lost(errors.New("read: connection reset"))

	select {
	case <-tr.Done():
	default:
		t.Fatalf("done not closed")
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

func TestNATS_Close(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, nil)

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	tr.Lost(errors.New("closed handler fired"))

	if !fc.closed || tr.State() != rpc.StateClosed {
		t.Fatalf("closed=%v state=%s", fc.closed, tr.State())
	}
}
