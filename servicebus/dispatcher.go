package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/registry"
	"github.com/next-trace/blossom/contract/rpc"
)

// DefaultConcurrency bounds concurrent handler executions per dispatcher.
const DefaultConcurrency = 16

// DefaultReplyTTL is how long replies are remembered for redelivered requests.
const DefaultReplyTTL = 5 * time.Minute

// DefaultClaimWait is how long a duplicate delivery waits for the delivery
// already running its handler before it is requeued.
const DefaultClaimWait = 30 * time.Second

// HandlerFunc handles the raw payload of one pattern. The returned value is
// encoded verbatim as the reply body; a nil pointer becomes null.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher binds the patterns of one service to handlers and serves them
// from the service's durable queue. Bindings are made before Serve and never
// change afterwards.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	started  atomic.Bool

	service     rpc.ServiceID
	queue       string
	transport   rpc.Transport
	registry    *rpc.Registry
	logger      *zap.Logger
	extractor   rpc.HeaderExtractor
	replies     ReplyCache
	claimWait   time.Duration
	concurrency int64

	inflight sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherQueue overrides the queue, which defaults to the service id.
func WithDispatcherQueue(name string) DispatcherOption {
	return func(d *Dispatcher) { d.queue = name }
}

// WithDispatcherRegistry sets the registry bindings are checked against.
func WithDispatcherRegistry(r *rpc.Registry) DispatcherOption {
	return func(d *Dispatcher) { d.registry = r }
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithExtractor restores context (e.g. trace ids) from inbound headers.
func WithExtractor(e rpc.HeaderExtractor) DispatcherOption {
	return func(d *Dispatcher) { d.extractor = e }
}

// WithReplyCache sets where replies are remembered for deduplication.
// Passing nil disables deduplication.
func WithReplyCache(c ReplyCache) DispatcherOption {
	return func(d *Dispatcher) { d.replies = c }
}

// WithClaimWait bounds how long a duplicate delivery waits for the one
// already being handled.
func WithClaimWait(wait time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if wait > 0 {
			d.claimWait = wait
		}
	}
}

// WithConcurrency bounds concurrent handler executions.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = int64(n)
		}
	}
}

// NewDispatcher creates a dispatcher for service on t.
func NewDispatcher(t rpc.Transport, service rpc.ServiceID, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers:    make(map[string]HandlerFunc),
		service:     service,
		queue:       string(service),
		transport:   t,
		registry:    registry.Default(),
		extractor:   rpc.NopHeaderPropagator{},
		replies:     NewMemoryReplyCache(DefaultReplyTTL, DefaultReplyCacheEntries),
		claimWait:   DefaultClaimWait,
		concurrency: DefaultConcurrency,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = zap.NewNop()
	}

	d.logger = d.logger.With(zap.String("service", string(service)))

	return d
}

// Handle binds pattern to h. Patterns outside the registry, duplicate
// bindings and bindings after Serve are rejected.
func (d *Dispatcher) Handle(pattern string, h HandlerFunc) error {
	if d.started.Load() {
		return fmt.Errorf("bind %s: %w", pattern, berr.ErrDispatcherStarted)
	}

	if err := d.registry.Validate(d.service, pattern); err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[pattern]; exists {
		return fmt.Errorf("bind %s: %w", pattern, berr.ErrHandlerExists)
	}

	d.handlers[pattern] = h

	return nil
}

// Bind registers a typed handler for p. The payload is decoded into Req
// before h runs; a payload that does not decode fails the call with
// ErrCodeSerializationFailed.
func Bind[Req, Res any](d *Dispatcher, p rpc.Pattern[Req, Res], h func(ctx context.Context, req Req) (Res, error)) error {
	if p.Service() != d.service {
		return fmt.Errorf("bind %s on %s dispatcher: %w", p.Name(), d.service, berr.ErrServiceMismatch)
	}

	return d.Handle(p.Name(), func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if !rpc.IsNull(payload) {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, berr.NewCoded(berr.ErrCodeSerializationFailed, fmt.Sprintf("decode %s payload: %v", p.Name(), err))
			}
		}

		return h(ctx, req)
	})
}

// Patterns lists the bound patterns in order.
func (d *Dispatcher) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.handlers))
	for p := range d.handlers {
		out = append(out, p)
	}

	slices.Sort(out)

	return out
}

func (d *Dispatcher) lookup(pattern string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.handlers[pattern]

	return h, ok
}

// Serve declares the service queue and dispatches its messages until ctx is
// done or the transport is lost. In-flight handlers are allowed to finish
// before Serve returns. It returns nil when ctx ends and the transport error
// otherwise.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("serve %s: %w", d.service, berr.ErrDispatcherStarted)
	}

	if err := d.transport.DeclareQueue(ctx, d.queue, rpc.QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("serve %s: declare queue %s: %w", d.service, d.queue, err)
	}

	sem := semaphore.NewWeighted(d.concurrency)
	handlerCtx := context.WithoutCancel(ctx)

	// Deliveries stay open for acks until in-flight handlers are done, so the
	// consumer outlives ctx and is stopped explicitly.
	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var (
		gate     sync.Mutex
		stopping bool
	)

	err := d.transport.Consume(consumeCtx, d.queue, func(cctx context.Context, del *rpc.Delivery) {
		gate.Lock()
		if stopping {
			gate.Unlock()
			_ = del.Reject(true)

			return
		}
		d.inflight.Add(1)
		gate.Unlock()

		if err := sem.Acquire(cctx, 1); err != nil {
			d.inflight.Done()
			_ = del.Reject(true)

			return
		}

		go func() {
			defer d.inflight.Done()
			defer sem.Release(1)

			d.handle(handlerCtx, del)
		}()
	})
	if err != nil {
		return fmt.Errorf("serve %s: consume %s: %w", d.service, d.queue, err)
	}

	d.logger.Info("dispatcher serving", zap.String("queue", d.queue), zap.Strings("patterns", d.Patterns()))

	var result error

	select {
	case <-ctx.Done():
	case <-d.transport.Done():
		result = fmt.Errorf("serve %s: %w", d.service, d.transport.Err())
	}

	gate.Lock()
	stopping = true
	gate.Unlock()

	d.inflight.Wait()
	cancel()
	d.logger.Info("dispatcher stopped", zap.Error(result))

	return result
}

func (d *Dispatcher) handle(ctx context.Context, del *rpc.Delivery) {
	svc := string(d.service)

	req, err := rpc.DecodeRequest(del.Body)
	if err != nil || req.Pattern == "" {
		d.logger.Error("rejecting malformed request", zap.String("correlation_id", del.CorrelationID), zap.Error(err))
		recordDispatch(svc, "", outcomeMalformed)
		_ = del.Reject(false)

		return
	}

	id := del.CorrelationID
	if id == "" {
		id = req.ID
	}

	ctx = d.extractor.Extract(ctx, del.Headers)
	log := d.logger.With(zap.String("pattern", req.Pattern), zap.String("correlation_id", id))

	h, ok := d.lookup(req.Pattern)
	if !ok {
		log.Error("no handler bound for pattern; rejecting without requeue")
		recordDispatch(svc, req.Pattern, outcomeUnknownPattern)

		if del.ReplyTo != "" {
			msg := fmt.Sprintf("pattern %q is not served by %s", req.Pattern, d.service)
			if body, err := rpc.FailureReply(id, berr.ErrCodeUnknownPattern, msg); err == nil {
				_ = d.publishReply(ctx, del.ReplyTo, id, body)
			}
		}

		_ = del.Reject(false)

		return
	}

	body, owned, err := d.claim(ctx, log, id)
	switch {
	case err != nil:
		log.Warn("request already in flight; requeueing", zap.Error(err))
		_ = del.Reject(true)

		return
	case body != nil:
		log.Info("answering redelivered request from reply cache", zap.Bool("redelivered", del.Redelivered))
		recordDispatch(svc, req.Pattern, outcomeDuplicate)
		d.finish(ctx, log, del, id, body)

		return
	}

	start := time.Now()
	result, herr := d.invoke(ctx, h, req.Data)
	DispatcherHandlerDuration.WithLabelValues(svc, req.Pattern).Observe(time.Since(start).Seconds())

	switch {
	case herr != nil:
		log.Error("handler failed", zap.Error(herr))
		recordDispatch(svc, req.Pattern, outcomeHandlerError)
		body, err = rpc.FailureReply(id, codeOf(herr), herr.Error())
	default:
		body, err = rpc.SuccessReply(id, result)
		if err != nil {
			log.Error("encoding handler result", zap.Error(err))
			recordDispatch(svc, req.Pattern, outcomeHandlerError)
			body, err = rpc.FailureReply(id, berr.ErrCodeSerializationFailed, err.Error())
		} else {
			recordDispatch(svc, req.Pattern, outcomeSuccess)
		}
	}

	if err != nil {
		log.Error("encoding reply", zap.Error(err))

		if owned {
			if rerr := d.replies.Release(ctx, id); rerr != nil {
				log.Warn("releasing reply claim", zap.Error(rerr))
			}
		}

		_ = del.Reject(false)

		return
	}

	if d.replies != nil && id != "" {
		if err := d.replies.Put(ctx, id, body); err != nil {
			log.Warn("caching reply", zap.Error(err))
		}
	}

	d.finish(ctx, log, del, id, body)
}

// finish publishes the reply and settles the delivery. A reply that cannot be
// published sends the request back to the queue; its redelivery is answered
// from the reply cache.
func (d *Dispatcher) finish(ctx context.Context, log *zap.Logger, del *rpc.Delivery, id string, body []byte) {
	if del.ReplyTo == "" {
		_ = del.Ack()
		return
	}

	err := d.publishReply(ctx, del.ReplyTo, id, body)

	switch {
	case errors.Is(err, berr.ErrQueueNotFound):
		// The caller and its reply queue are gone; nobody is left to answer.
		log.Warn("reply queue gone; dropping reply", zap.String("reply_to", del.ReplyTo))
		recordDispatch(string(d.service), "", outcomeReplyFailed)
		_ = del.Ack()

		return
	case err != nil:
		log.Error("publishing reply; requeueing request", zap.String("reply_to", del.ReplyTo), zap.Error(err))
		recordDispatch(string(d.service), "", outcomeReplyFailed)
		_ = del.Reject(true)

		return
	}

	if err := del.Ack(); err != nil {
		log.Warn("ack", zap.Error(err))
	}
}

func (d *Dispatcher) publishReply(ctx context.Context, replyTo, id string, body []byte) error {
	return d.transport.Publish(ctx, replyTo, rpc.Message{CorrelationID: id, Body: body})
}

// claim reserves id in the reply cache. It returns the remembered reply of an
// earlier delivery, or owned=true when this delivery must run the handler. A
// cache that cannot be read lets the handler run unowned. An error means
// another delivery of id is still running after the claim wait.
func (d *Dispatcher) claim(ctx context.Context, log *zap.Logger, id string) (body []byte, owned bool, err error) {
	if d.replies == nil || id == "" {
		return nil, false, nil
	}

	cctx, cancel := context.WithTimeout(ctx, d.claimWait)
	defer cancel()

	body, owned, err = d.replies.Claim(cctx, id)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return nil, false, err
	case err != nil:
		log.Warn("reading reply cache", zap.Error(err))
		return nil, false, nil
	}

	return body, owned, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return h(ctx, payload)
}

func codeOf(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}

	return berr.ErrCodeHandlerFailed
}
