// Package pubsub implements the sweep queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

const attemptAttribute = "attempt"

// Config names the topic and subscription carrying sweeps.
type Config struct {
	ProjectID       string
	Topic           string
	Subscription    string
	MaxOutstanding  int
	DeadLetterTopic string
}

// Queue bridges a streaming Pub/Sub subscription to Dequeue calls.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	dead       *pubsub.Topic
	msgs       chan *pubsub.Message
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	recvErr    error
	logger     *zap.Logger
}

var _ queue.Queue = (*Queue)(nil)

// Open creates a client from Application Default Credentials.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := New(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

// New starts receiving on an existing client. The topic and subscription
// must already exist.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub topic and subscription are required")
	}
	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.Topic)
	}
	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub subscription %q: %w", cfg.Subscription, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", cfg.Subscription)
	}
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}

	q := &Queue{
		client: client,
		topic:  topic,
		msgs:   make(chan *pubsub.Message),
		done:   make(chan struct{}),
		logger: logger,
	}
	if cfg.DeadLetterTopic != "" {
		q.dead = client.Topic(cfg.DeadLetterTopic)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.receive(recvCtx, sub)
	return q, nil
}

func (q *Queue) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(q.done)
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		select {
		case q.msgs <- m:
		case <-ctx.Done():
			m.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
		q.recvErr = err
	}
}

// Enqueue publishes a request and waits for the server id.
func (q *Queue) Enqueue(ctx context.Context, req harvest.SweepRequest) error {
	_, err := publish(ctx, q.topic, req, 1)
	return err
}

func publish(ctx context.Context, topic *pubsub.Topic, req harvest.SweepRequest, attempt int) (string, error) {
	data, err := queue.Encode(req)
	if err != nil {
		return "", err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"sweep_id":       req.ID,
			"source_id":      req.SourceID,
			"kind":           string(req.Kind),
			attemptAttribute: strconv.Itoa(attempt),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	id, err := topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish sweep: %w", err)
	}
	return id, nil
}

// Dequeue blocks until the subscription hands over a message.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		if q.recvErr != nil {
			return nil, fmt.Errorf("%w: %v", queue.ErrClosed, q.recvErr)
		}
		return nil, queue.ErrClosed
	case m := <-q.msgs:
		req, err := queue.Decode(m.Data)
		if err != nil {
			q.logger.Warn("undecodable sweep message", zap.String("message_id", m.ID), zap.Error(err))
		}
		return &delivery{q: q, msg: m, req: req, attempt: Attempt(m)}, nil
	}
}

// Close stops receiving and releases publishers.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.done
		q.topic.Stop()
		if q.dead != nil {
			q.dead.Stop()
		}
		if q.ownsClient {
			if closeErr := q.client.Close(); closeErr != nil {
				err = fmt.Errorf("close pubsub client: %w", closeErr)
			}
		}
	})
	return err
}

type delivery struct {
	q       *Queue
	msg     *pubsub.Message
	req     harvest.SweepRequest
	attempt int
}

func (d *delivery) Request() harvest.SweepRequest { return d.req }

func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(context.Context) error {
	d.msg.Ack()
	return nil
}

// Requeue nacks the message. The subscription retry policy decides the
// actual redelivery delay.
func (d *delivery) Requeue(_ context.Context, delay time.Duration) error {
	d.q.logger.Debug("requeue sweep",
		zap.String("sweep_id", d.req.ID),
		zap.Int("attempt", d.attempt),
		zap.Duration("requested_delay", delay),
	)
	d.msg.Nack()
	return nil
}

// Reject forwards the message to the dead letter topic when configured
// and acks it either way.
func (d *delivery) Reject(ctx context.Context) error {
	if d.q.dead == nil {
		d.q.logger.Warn("dropping rejected sweep", zap.String("message_id", d.msg.ID), zap.String("sweep_id", d.req.ID))
		d.msg.Ack()
		return nil
	}
	dl := &pubsub.Message{Data: d.msg.Data, Attributes: map[string]string{}}
	for k, v := range d.msg.Attributes {
		dl.Attributes[k] = v
	}
	if _, err := d.q.dead.Publish(ctx, dl).Get(ctx); err != nil {
		d.msg.Nack()
		return fmt.Errorf("dead-letter sweep: %w", err)
	}
	d.msg.Ack()
	return nil
}

// Attempt prefers the server-side delivery counter, which is only
// populated when the subscription has a dead letter policy.
func Attempt(m *pubsub.Message) int {
	if m.DeliveryAttempt != nil && *m.DeliveryAttempt > 0 {
		return *m.DeliveryAttempt
	}
	if n, err := strconv.Atoi(m.Attributes[attemptAttribute]); err == nil && n > 0 {
		return n
	}
	return 1
}

// attributeCarrier implements propagation.TextMapCarrier for message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
