package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
	"github.com/next-trace/blossom/contract/registry"
	"github.com/next-trace/blossom/contract/rpc"
)

// DefaultTimeout bounds a call when no WithTimeout option is given.
const DefaultTimeout = 5 * time.Second

// Client presents one backend service as a set of remote calls.
// It is safe for concurrent use; concurrent calls share one reply queue and
// are told apart only by correlation id.
type Client struct {
	service    rpc.ServiceID
	queue      string
	transport  rpc.Transport
	registry   *rpc.Registry
	timeout    time.Duration
	logger     *zap.Logger
	propagator rpc.HeaderPropagator
	newID      func() string

	breakerSettings *gobreaker.Settings
	breaker         *gobreaker.CircuitBreaker

	replyTo   string
	pending   *pendingTable
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call reply window.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithQueue overrides the destination queue, which defaults to the service id.
func WithQueue(name string) ClientOption {
	return func(c *Client) { c.queue = name }
}

// WithRegistry sets the registry calls are validated against.
func WithRegistry(r *rpc.Registry) ClientOption {
	return func(c *Client) { c.registry = r }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithPropagator injects context (e.g. trace ids) into outgoing headers.
func WithPropagator(p rpc.HeaderPropagator) ClientOption {
	return func(c *Client) { c.propagator = p }
}

// WithIDGenerator replaces the uuid correlation id generator.
func WithIDGenerator(fn func() string) ClientOption {
	return func(c *Client) { c.newID = fn }
}

// WithCircuitBreaker guards calls with a circuit breaker. Only connection
// failures and timeouts count against the breaker; remote handler errors are
// answers, not outages.
func WithCircuitBreaker(settings gobreaker.Settings) ClientOption {
	return func(c *Client) { c.breakerSettings = &settings }
}

// NewClient declares the service queue and a private reply queue on t and
// starts listening for replies.
func NewClient(ctx context.Context, t rpc.Transport, service rpc.ServiceID, opts ...ClientOption) (*Client, error) {
	c := &Client{
		service:    service,
		queue:      string(service),
		transport:  t,
		registry:   registry.Default(),
		timeout:    DefaultTimeout,
		propagator: rpc.NopHeaderPropagator{},
		newID:      uuid.NewString,
		pending:    newPendingTable(),
		closed:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	c.logger = c.logger.With(zap.String("service", string(service)))

	if c.breakerSettings != nil {
		c.breaker = c.newBreaker(*c.breakerSettings)
	}

	if err := t.DeclareQueue(ctx, c.queue, rpc.QueueOptions{Durable: true}); err != nil {
		return nil, fmt.Errorf("client %s: declare queue %s: %w", service, c.queue, err)
	}

	replyTo, err := t.DeclareReplyQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("client %s: declare reply queue: %w", service, err)
	}

	c.replyTo = replyTo

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := t.Consume(consumeCtx, replyTo, c.onReply); err != nil {
		cancel()
		return nil, fmt.Errorf("client %s: consume replies: %w", service, err)
	}

	c.cancel = cancel

	go c.watch()

	return c, nil
}

func (c *Client) newBreaker(s gobreaker.Settings) *gobreaker.CircuitBreaker {
	if s.Name == "" {
		s.Name = string(c.service)
	}

	if s.IsSuccessful == nil {
		s.IsSuccessful = func(err error) bool {
			return err == nil || !(errors.Is(err, berr.ErrConnection) || errors.Is(err, berr.ErrTimeout))
		}
	}

	onChange := s.OnStateChange
	s.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)

		if onChange != nil {
			onChange(name, from, to)
		}
	}

	return gobreaker.NewCircuitBreaker(s)
}

// watch fails every pending call once the transport is lost.
func (c *Client) watch() {
	select {
	case <-c.closed:
		return
	case <-c.transport.Done():
	}

	cause := c.transport.Err()
	if cause == nil {
		cause = berr.ErrConnection
	}

	err := fmt.Errorf("client %s: %w", c.service, cause)
	if !errors.Is(err, berr.ErrConnection) {
		err = fmt.Errorf("client %s: %w: %w", c.service, berr.ErrConnection, cause)
	}

	if failed := c.pending.failAll(err); len(failed) > 0 {
		patterns, oldest := inFlight(failed, time.Now())
		c.logger.Error("transport lost with calls in flight",
			zap.Int("pending", len(failed)),
			zap.Strings("patterns", patterns),
			zap.Duration("oldest", oldest),
			zap.Error(cause))
	}

	ClientPendingRequests.WithLabelValues(string(c.service)).Set(0)
}

// Service returns the service this client calls.
func (c *Client) Service() rpc.ServiceID { return c.service }

// ReplyQueue returns the name of the private reply queue.
func (c *Client) ReplyQueue() string { return c.replyTo }

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int { return c.pending.len() }

// State reports the connectivity of the underlying transport, so callers can
// tell a pending call from an undeliverable one.
func (c *Client) State() rpc.State { return c.transport.State() }

// Close stops listening for replies and fails the calls still waiting.
// It does not close the shared transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.pending.failAll(fmt.Errorf("client %s: %w", c.service, berr.ErrClientClosed))
		ClientPendingRequests.WithLabelValues(string(c.service)).Set(0)
	})

	return nil
}

// Invoke sends payload to pattern and returns the raw reply body, which is the
// JSON literal null for "not found" style answers.
func (c *Client) Invoke(ctx context.Context, pattern string, payload any) (json.RawMessage, error) {
	if c.breaker == nil {
		return c.invoke(ctx, pattern, payload)
	}

	res, err := c.breaker.Execute(func() (any, error) { return c.invoke(ctx, pattern, payload) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s %s: %w: %w", c.service, pattern, berr.ErrConnection, err)
	}

	if err != nil {
		return nil, err
	}

	raw, _ := res.(json.RawMessage)

	return raw, nil
}

func (c *Client) invoke(ctx context.Context, pattern string, payload any) (json.RawMessage, error) {
	start := time.Now()
	svc := string(c.service)

	raw, outcomeLabel, err := c.roundTrip(ctx, pattern, payload)
	recordCall(svc, pattern, outcomeLabel, time.Since(start).Seconds())

	return raw, err
}

func (c *Client) roundTrip(ctx context.Context, pattern string, payload any) (json.RawMessage, string, error) {
	if err := c.registry.Validate(c.service, pattern); err != nil {
		return nil, outcomeUnknownPattern, fmt.Errorf("call: %w", err)
	}

	select {
	case <-c.closed:
		return nil, outcomeConnection, fmt.Errorf("%s %s: %w", c.service, pattern, berr.ErrClientClosed)
	default:
	}

	if s := c.transport.State(); s != rpc.StateConnected {
		return nil, outcomeConnection, fmt.Errorf("%s %s: %w: transport %s", c.service, pattern, berr.ErrConnection, s)
	}

	id := c.newID()

	body, err := rpc.NewRequest(pattern, id, payload)
	if err != nil {
		return nil, outcomeMalformed, fmt.Errorf("%s %s serialize: %w", c.service, pattern, errors.Join(berr.ErrSerializationFailed, err))
	}

	pr, ok := c.pending.add(id, pattern)
	if !ok {
		return nil, outcomeConnection, fmt.Errorf("%s %s: correlation id %q already in flight", c.service, pattern, id)
	}

	ClientPendingRequests.WithLabelValues(string(c.service)).Inc()
	defer ClientPendingRequests.WithLabelValues(string(c.service)).Dec()

	headers := make(map[string]string, 2)
	c.propagator.Inject(ctx, headers)

	msg := rpc.Message{CorrelationID: id, ReplyTo: c.replyTo, Headers: headers, Body: body}
	if err := c.transport.Publish(ctx, c.queue, msg); err != nil {
		c.pending.remove(id)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, outcomeCanceled, err
		}

		return nil, outcomeConnection, fmt.Errorf("%s %s publish: %w", c.service, pattern, errors.Join(berr.ErrConnection, err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-pr.done:
		return c.settle(pattern, out)
	case <-timer.C:
		if pr, ok := c.pending.remove(id); ok {
			c.logger.Warn("call timed out", zap.String("pattern", pr.pattern), zap.String("correlation_id", id), zap.Duration("waited", time.Since(pr.created)))
			return nil, outcomeTimeout, &berr.TimeoutError{
				Service: string(c.service), Pattern: pattern, CorrelationID: id, After: c.timeout,
			}
		}
	case <-ctx.Done():
		if pr, ok := c.pending.remove(id); ok {
			c.logger.Debug("call abandoned by caller", zap.String("pattern", pr.pattern), zap.String("correlation_id", id), zap.Duration("waited", time.Since(pr.created)))
			return nil, outcomeCanceled, ctx.Err()
		}
	}

	// The reply won the race against the timer or the context.
	return c.settle(pattern, <-pr.done)
}

func (c *Client) settle(pattern string, out outcome) (json.RawMessage, string, error) {
	if out.err != nil {
		return nil, outcomeConnection, out.err
	}

	if out.reply.Status == rpc.StatusFailure {
		eb := out.reply.Err
		if eb == nil {
			eb = &rpc.ErrorBody{Code: berr.ErrCodeHandlerFailed, Message: "remote handler failed"}
		}

		return nil, outcomeRemoteError, &berr.RemoteError{
			Service: string(c.service), Pattern: pattern, Code: eb.Code, Message: eb.Message,
		}
	}

	if rpc.IsNull(out.reply.Response) {
		return nil, outcomeNotFound, nil
	}

	return out.reply.Response, outcomeSuccess, nil
}

func (c *Client) onReply(_ context.Context, d *rpc.Delivery) {
	defer func() { _ = d.Ack() }()

	reply, err := rpc.DecodeReply(d.Body)
	if err != nil {
		c.logger.Warn("dropping malformed reply", zap.String("correlation_id", d.CorrelationID), zap.Error(err))
		return
	}

	id := d.CorrelationID
	if id == "" {
		id = reply.ID
	}

	if !c.pending.resolve(id, outcome{reply: reply}) {
		ClientStaleRepliesTotal.WithLabelValues(string(c.service)).Inc()
		c.logger.Warn("dropping reply with no pending call", zap.String("correlation_id", id))
	}
}

// Call invokes p on c with a typed request and decodes the typed response.
// A null reply yields the zero value of Res and a nil error.
func Call[Req, Res any](ctx context.Context, c *Client, p rpc.Pattern[Req, Res], req Req) (Res, error) {
	var zero Res

	if p.Service() != c.service {
		return zero, fmt.Errorf("call %s on %s client: %w", p.Name(), c.service, berr.ErrServiceMismatch)
	}

	raw, err := c.Invoke(ctx, p.Name(), req)
	if err != nil {
		return zero, err
	}

	if rpc.IsNull(raw) {
		return zero, nil
	}

	var res Res
	if err := json.Unmarshal(raw, &res); err != nil {
		return zero, fmt.Errorf("%s %s decode: %w", c.service, p.Name(), errors.Join(berr.ErrSerializationFailed, err))
	}

	return res, nil
}
