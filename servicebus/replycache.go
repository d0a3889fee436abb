package servicebus

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultReplyCacheEntries bounds a MemoryReplyCache built with a
// non-positive size.
const DefaultReplyCacheEntries = 10000

// ReplyCache remembers encoded replies by correlation id so a redelivered
// request is answered again without running its handler twice.
//
// Claim reserves id before its handler runs. It returns the stored reply when
// one exists; otherwise claimed reports whether the caller now owns id and
// must Put or Release it. While another caller owns id, Claim waits for that
// owner to finish or for ctx to end.
type ReplyCache interface {
	Claim(ctx context.Context, correlationID string) (reply []byte, claimed bool, err error)
	Put(ctx context.Context, correlationID string, reply []byte) error
	Release(ctx context.Context, correlationID string) error
}

type cachedReply struct {
	id      string
	body    []byte
	expires time.Time
}

// MemoryReplyCache is a process-local ReplyCache with a fixed TTL and a
// bound on stored replies. The oldest reply is evicted first.
type MemoryReplyCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	inflight map[string]chan struct{}
}

// NewMemoryReplyCache creates a cache whose entries live for ttl and which
// holds at most maxEntries replies.
func NewMemoryReplyCache(ttl time.Duration, maxEntries int) *MemoryReplyCache {
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}

	if maxEntries <= 0 {
		maxEntries = DefaultReplyCacheEntries
	}

	return &MemoryReplyCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		inflight:   make(map[string]chan struct{}),
	}
}

func (c *MemoryReplyCache) Get(_ context.Context, id string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, ok := c.lookup(id)

	return body, ok, nil
}

func (c *MemoryReplyCache) Claim(ctx context.Context, id string) ([]byte, bool, error) {
	for {
		c.mu.Lock()

		if body, ok := c.lookup(id); ok {
			c.mu.Unlock()
			return body, false, nil
		}

		wait, busy := c.inflight[id]
		if !busy {
			c.inflight[id] = make(chan struct{})
			c.mu.Unlock()

			return nil, true, nil
		}

		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wait:
		}
	}
}

func (c *MemoryReplyCache) Put(_ context.Context, id string, reply []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := &cachedReply{id: id, body: reply, expires: now.Add(c.ttl)}

	if el, ok := c.items[id]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
	} else {
		c.items[id] = c.order.PushFront(entry)
	}

	// Entries share one TTL, so the back of the list is both the oldest and
	// the first to expire.
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		e := el.Value.(*cachedReply)
		if c.order.Len() <= c.maxEntries && !now.After(e.expires) {
			break
		}

		c.remove(el)
	}

	c.release(id)

	return nil
}

func (c *MemoryReplyCache) Release(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.release(id)

	return nil
}

// Len returns the number of stored replies.
func (c *MemoryReplyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

func (c *MemoryReplyCache) lookup(id string) ([]byte, bool) {
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}

	e := el.Value.(*cachedReply)
	if c.now().After(e.expires) {
		c.remove(el)
		return nil, false
	}

	return e.body, true
}

func (c *MemoryReplyCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cachedReply).id)
}

func (c *MemoryReplyCache) release(id string) {
	if wait, ok := c.inflight[id]; ok {
		close(wait)
		delete(c.inflight, id)
	}
}
