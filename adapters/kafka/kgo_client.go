package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	berr "github.com/next-trace/blossom/contract/errors"
)

// Concrete franz-go based producer, consumer and constructor.

type Config struct {
	Brokers  []string
	ClientID string
	TLS      *tls.Config
	Logger   *zap.Logger
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}

	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	return opts
}

type kgoProducer struct{ cl *kgo.Client }

func (p kgoProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return p.cl.ProduceSync(ctx, rec).FirstErr()
}

func (p kgoProducer) Close() { p.cl.Close() }

type kgoConsumer struct{ cl *kgo.Client }

func (c kgoConsumer) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) { out = append(out, fromKgo(r)) })

	return out, errors.Join(errs...)
}

func (c kgoConsumer) Commit(ctx context.Context, r Record) error {
	raw, ok := r.raw.(*kgo.Record)
	if !ok {
		return fmt.Errorf("kafka commit %s[%d]@%d: record not from this client", r.Topic, r.Partition, r.Offset)
	}

	return c.cl.CommitRecords(ctx, raw)
}

func (c kgoConsumer) Close() { c.cl.Close() }

func fromKgo(r *kgo.Record) Record {
	rec := Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		raw:       r,
	}

	if len(r.Headers) > 0 {
		rec.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}
	}

	return rec
}

// NewWithKgo builds a franz-go backed Transport. The returned cleanup should be called to close the clients.
func NewWithKgo(cfg Config) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrConnection)
	}

	producer, err := kgo.NewClient(append(cfg.baseOpts(),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrConnection, err)
	}

	factory := func(topic, group string) (Consumer, error) {
		cl, err := kgo.NewClient(append(cfg.baseOpts(),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topic),
			kgo.DisableAutoCommit(),
			kgo.AllowAutoTopicCreation(),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)...)
		if err != nil {
			return nil, err
		}

		return kgoConsumer{cl: cl}, nil
	}

	t := New(kgoProducer{cl: producer}, factory, cfg.Logger)
	cleanup := func() { _ = t.Close() }

	return t, cleanup, nil
}
