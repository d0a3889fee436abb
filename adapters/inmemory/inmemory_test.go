package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/blossom/adapters/inmemory"
	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/rpc"
)

func recv(t *testing.T, ch <-chan *rpc.Delivery) *rpc.Delivery {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
		return nil
	}
}

func TestInmemory_PublishConsumeAck(t *testing.T) {
	b := inmemory.NewBroker()
	tr := b.Connect()
	defer tr.Close()

	require.NoError(t, tr.DeclareQueue(t.Context(), "users", rpc.QueueOptions{Durable: true}))
	require.NoError(t, tr.DeclareQueue(t.Context(), "users", rpc.QueueOptions{Durable: true}))

	msg := rpc.Message{CorrelationID: "c1", ReplyTo: "r", Headers: map[string]string{"h": "v"}, Body: []byte(`{}`)}
	require.NoError(t, tr.Publish(t.Context(), "users", msg))
	assert.Equal(t, 1, b.Depth("users"))

	got := make(chan *rpc.Delivery, 1)
	require.NoError(t, tr.Consume(t.Context(), "users", func(_ context.Context, d *rpc.Delivery) { got <- d }))

	d := recv(t, got)
	assert.Equal(t, "c1", d.CorrelationID)
	assert.Equal(t, "r", d.ReplyTo)
	assert.Equal(t, "v", d.Headers["h"])
	assert.False(t, d.Redelivered)
	require.NoError(t, d.Ack())
	assert.Equal(t, 0, b.Depth("users"))
}

func TestInmemory_PublishUnknownQueue(t *testing.T) {
	tr := inmemory.NewBroker().Connect()
	defer tr.Close()

	err := tr.Publish(t.Context(), "nowhere", rpc.Message{})
	assert.ErrorIs(t, err, berr.ErrQueueNotFound)
	assert.ErrorIs(t, err, berr.ErrPublishFailed)

	err = tr.Consume(t.Context(), "nowhere", func(context.Context, *rpc.Delivery) {})
	assert.ErrorIs(t, err, berr.ErrQueueNotFound)
}

func TestInmemory_RejectRequeueRedelivers(t *testing.T) {
	b := inmemory.NewBroker()
	tr := b.Connect()
	defer tr.Close()

	require.NoError(t, tr.DeclareQueue(t.Context(), "q", rpc.QueueOptions{Durable: true}))
	require.NoError(t, tr.Publish(t.Context(), "q", rpc.Message{CorrelationID: "c"}))

	got := make(chan *rpc.Delivery, 2)
	require.NoError(t, tr.Consume(t.Context(), "q", func(_ context.Context, d *rpc.Delivery) { got <- d }))

	first := recv(t, got)
	require.NoError(t, first.Reject(true))

	second := recv(t, got)
	assert.True(t, second.Redelivered)
	require.NoError(t, second.Reject(false))

	assert.Equal(t, 0, b.Depth("q"))
}

func TestInmemory_UnsettledReturnOnConsumerStop(t *testing.T) {
	b := inmemory.NewBroker()
	tr := b.Connect()
	defer tr.Close()

	require.NoError(t, tr.DeclareQueue(t.Context(), "q", rpc.QueueOptions{Durable: true}))
	require.NoError(t, tr.Publish(t.Context(), "q", rpc.Message{CorrelationID: "c"}))

	ctx, cancel := context.WithCancel(t.Context())
	got := make(chan *rpc.Delivery, 1)
	require.NoError(t, tr.Consume(ctx, "q", func(_ context.Context, d *rpc.Delivery) { got <- d }))

	_ = recv(t, got)
	cancel()

	require.Eventually(t, func() bool { return b.Depth("q") == 1 }, 2*time.Second, 5*time.Millisecond)

	other := b.Connect()
	defer other.Close()

	again := make(chan *rpc.Delivery, 1)
	require.NoError(t, other.Consume(t.Context(), "q", func(_ context.Context, d *rpc.Delivery) { again <- d }))

	d := recv(t, again)
	assert.True(t, d.Redelivered)
	require.NoError(t, d.Ack())
}

func TestInmemory_ReplyQueueAutoDeletes(t *testing.T) {
	b := inmemory.NewBroker()
	tr := b.Connect()
	defer tr.Close()

	name, err := tr.DeclareReplyQueue(t.Context())
	require.NoError(t, err)
	assert.True(t, b.HasQueue(name))

	other, err := tr.DeclareReplyQueue(t.Context())
	require.NoError(t, err)
	assert.NotEqual(t, name, other)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, tr.Consume(ctx, name, func(context.Context, *rpc.Delivery) {}))
	cancel()

	require.Eventually(t, func() bool { return !b.HasQueue(name) }, 2*time.Second, 5*time.Millisecond)
}

func TestInmemory_SeverClosesDone(t *testing.T) {
	tr := inmemory.NewBroker().Connect()
	assert.Equal(t, rpc.StateConnected, tr.State())

	tr.Sever(errors.New("network down"))

	select {
	case <-tr.Done():
	default:
		t.Fatalf("done not closed")
	}

	assert.Equal(t, rpc.StateDisconnected, tr.State())
	assert.ErrorIs(t, tr.Err(), berr.ErrConnection)
	assert.ErrorIs(t, tr.Publish(t.Context(), "q", rpc.Message{}), berr.ErrConnection)

	require.NoError(t, tr.Close())
	assert.Equal(t, rpc.StateDisconnected, tr.State())
}

func TestInmemory_CompetingConsumers(t *testing.T) {
	b := inmemory.NewBroker()
	tr := b.Connect()
	defer tr.Close()

	require.NoError(t, tr.DeclareQueue(t.Context(), "q", rpc.QueueOptions{Durable: true}))

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)

	const n = 100
	wg.Add(n)

	handler := func(_ context.Context, d *rpc.Delivery) {
		mu.Lock()
		seen[d.CorrelationID]++
		mu.Unlock()

		_ = d.Ack()
		wg.Done()
	}

	for range 3 {
		require.NoError(t, tr.Consume(t.Context(), "q", handler))
	}

	for i := range n {
		require.NoError(t, tr.Publish(t.Context(), "q", rpc.Message{CorrelationID: string(rune('A' + i%26)) + string(rune('0'+i/26))}))
	}

	wg.Wait()

	total := 0
	for _, c := range seen {
		total += c
	}

	assert.Equal(t, n, total)
	assert.Len(t, seen, n)
}
