package rediscache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/blossom/adapters/rediscache"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestCache_PutGet(t *testing.T) {
	mr, client := setup(t)
	c := rediscache.New(client, "test:", time.Minute)

	_, ok, err := c.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(t.Context(), "c1", []byte(`{"id":"c1"}`)))

	got, ok, err := c.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"c1"}`, string(got))

	assert.True(t, mr.Exists("test:c1"))
	assert.Equal(t, time.Minute, mr.TTL("test:c1"))
}

func TestCache_Expires(t *testing.T) {
	mr, client := setup(t)
	c := rediscache.New(client, "", time.Second)

	require.NoError(t, c.Put(t.Context(), "c1", []byte(`null`)))
	assert.True(t, mr.Exists("blossom:reply:c1"))

	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ServerDown(t *testing.T) {
	mr, client := setup(t)
	c := rediscache.New(client, "", 0)

	mr.Close()

	_, _, err := c.Get(t.Context(), "c1")
	assert.Error(t, err)
	assert.Error(t, c.Put(t.Context(), "c1", []byte(`{}`)))
}

func TestCache_ClaimOnce(t *testing.T) {
	mr, client := setup(t)
	c := rediscache.New(client, "test:", time.Minute)

	body, claimed, err := c.Claim(t.Context(), "c1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, body)
	assert.Equal(t, rediscache.DefaultLease, mr.TTL("test:c1"))

	// A pending claim is not a reply.
	_, ok, err := c.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(t.Context(), 120*time.Millisecond)
	defer cancel()

	_, claimed, err = c.Claim(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, claimed)

	require.NoError(t, c.Put(t.Context(), "c1", []byte(`{"id":"c1"}`)))

	body, claimed, err = c.Claim(t.Context(), "c1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.JSONEq(t, `{"id":"c1"}`, string(body))
}

func TestCache_ClaimWaitsForOwner(t *testing.T) {
	_, client := setup(t)
	c := rediscache.New(client, "", time.Minute)

	_, claimed, err := c.Claim(t.Context(), "c1")
	require.NoError(t, err)
	require.True(t, claimed)

	type result struct {
		body    []byte
		claimed bool
		err     error
	}

	got := make(chan result, 1)

	go func() {
		body, claimed, err := c.Claim(t.Context(), "c1")
		got <- result{body, claimed, err}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Put(t.Context(), "c1", []byte(`null`)))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.False(t, r.claimed)
		assert.Equal(t, []byte(`null`), r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting claim never saw the reply")
	}
}

func TestCache_ReleaseAndLease(t *testing.T) {
	mr, client := setup(t)
	c := rediscache.New(client, "", time.Minute).WithLease(time.Second)

	_, claimed, err := c.Claim(t.Context(), "c1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.Release(t.Context(), "c1"))
	assert.False(t, mr.Exists("blossom:reply:c1"))

	_, claimed, err = c.Claim(t.Context(), "c1")
	require.NoError(t, err)
	require.True(t, claimed)

	// An owner that never finishes loses its claim when the lease ends.
	mr.FastForward(2 * time.Second)

	_, claimed, err = c.Claim(t.Context(), "c1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Release never drops a stored reply.
	require.NoError(t, c.Put(t.Context(), "c1", []byte(`1`)))
	require.NoError(t, c.Release(t.Context(), "c1"))

	got, ok, err := c.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`1`), got)
}

func TestNewWithRedis(t *testing.T) {
	mr, _ := setup(t)

	c, cleanup, err := rediscache.NewWithRedis(t.Context(), rediscache.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, c.Put(t.Context(), "c1", []byte(`1`)))
	assert.True(t, mr.Exists("blossom:reply:c1"))

	_, _, err = rediscache.NewWithRedis(t.Context(), rediscache.Config{})
	assert.Error(t, err)
}
