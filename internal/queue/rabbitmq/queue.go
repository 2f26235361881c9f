// Package rabbitmq implements the sweep queue on RabbitMQ. Delayed
// requeues go through a TTL queue that dead-letters back to the main
// exchange; rejected messages dead-letter to a parking queue. A lost
// connection is redialed with backoff.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

const attemptHeader = "x-attempt"

// Config names the AMQP topology.
type Config struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	// ReconnectBase and ReconnectMax bound the redial backoff after the
	// broker drops the connection or the consume channel.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DelayQueue is the name of the TTL queue used for delayed requeues.
func (c Config) DelayQueue() string { return c.Queue + ".delay" }

// DeadLetterQueue is the name of the queue holding rejected requests.
func (c Config) DeadLetterQueue() string { return c.Queue + ".dlq" }

// session is one live connection with its publish and consume channels.
type session struct {
	conn *amqp.Connection
	pub  *amqp.Channel
	sub  *amqp.Channel
	msgs <-chan amqp.Delivery
	// lost fires when the connection or the consume channel closes.
	connLost <-chan *amqp.Error
	subLost  <-chan *amqp.Error
}

func (s *session) close() error {
	var errs []error
	for _, ch := range []*amqp.Channel{s.sub, s.pub} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

// Queue is a RabbitMQ-backed queue.Queue. It redials in the background when
// the broker drops the link, so Dequeue only reports queue.ErrClosed after
// Close.
type Queue struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	sess *session
	// swapped is closed and replaced each time a new session goes live.
	swapped chan struct{}

	pubMu     sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ queue.Queue = (*Queue)(nil)

// New dials RabbitMQ, declares the topology and starts consuming.
func New(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("rabbitmq url and queue are required")
	}
	q := newQueue(cfg, logger)
	sess, err := q.connect()
	if err != nil {
		return nil, err
	}
	q.sess = sess
	q.wg.Add(1)
	go q.supervise(sess)

	q.logger.Info("connected to rabbitmq",
		zap.String("exchange", q.cfg.Exchange),
		zap.String("queue", q.cfg.Queue),
		zap.Int("prefetch", q.cfg.Prefetch),
	)
	return q, nil
}

func newQueue(cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Queue{
		cfg:     cfg,
		logger:  logger,
		swapped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *Queue) connect() (*session, error) {
	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	sess := &session{conn: conn}
	if err := q.setup(sess); err != nil {
		_ = sess.close()
		return nil, err
	}
	return sess, nil
}

func (q *Queue) setup(sess *session) error {
	sess.connLost = sess.conn.NotifyClose(make(chan *amqp.Error, 1))

	pub, err := sess.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	sess.pub = pub
	if err := pub.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	if q.cfg.Exchange != "" {
		if err := pub.ExchangeDeclare(q.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
	}
	if _, err := pub.QueueDeclare(q.cfg.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if _, err := pub.QueueDeclare(q.cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.cfg.DeadLetterQueue(),
	}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if q.cfg.Exchange != "" {
		if err := pub.QueueBind(q.cfg.Queue, q.cfg.Queue, q.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue: %w", err)
		}
	}
	if _, err := pub.QueueDeclare(q.cfg.DelayQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    q.cfg.Exchange,
		"x-dead-letter-routing-key": q.cfg.Queue,
	}); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}

	sub, err := sess.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	sess.sub = sub
	sess.subLost = sub.NotifyClose(make(chan *amqp.Error, 1))
	if err := sub.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := sub.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	sess.msgs = msgs
	return nil
}

// supervise waits for the live session to drop and replaces it.
func (q *Queue) supervise(sess *session) {
	defer q.wg.Done()
	for {
		var cause *amqp.Error
		select {
		case <-q.done:
			return
		case cause = <-sess.connLost:
		case cause = <-sess.subLost:
		}
		select {
		case <-q.done:
			return
		default:
		}
		q.logger.Warn("rabbitmq link lost, reconnecting", zap.Error(amqpErr(cause)))
		_ = sess.close()

		sess = q.redial()
		if sess == nil {
			return
		}
	}
}

// redial reconnects with exponential backoff until it succeeds or the queue
// is closed, in which case it returns nil.
func (q *Queue) redial() *session {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(queue.Backoff(attempt, q.cfg.ReconnectBase, q.cfg.ReconnectMax))
		select {
		case <-q.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
		sess, err := q.connect()
		if err != nil {
			q.logger.Warn("rabbitmq redial failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !q.swap(sess) {
			_ = sess.close()
			return nil
		}
		q.logger.Info("reconnected to rabbitmq", zap.Int("attempts", attempt))
		return sess
	}
}

// swap installs sess as the live session and wakes blocked consumers.
func (q *Queue) swap(sess *session) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return false
	default:
	}
	q.sess = sess
	close(q.swapped)
	q.swapped = make(chan struct{})
	return true
}

func (q *Queue) current() (*session, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sess, q.swapped
}

// Enqueue publishes a request and waits for the broker confirm.
func (q *Queue) Enqueue(ctx context.Context, req harvest.SweepRequest) error {
	return q.publish(ctx, q.cfg.Exchange, q.cfg.Queue, req, 1, 0)
}

func (q *Queue) publish(
	ctx context.Context,
	exchange, key string,
	req harvest.SweepRequest,
	attempt int,
	delay time.Duration,
) error {
	body, err := queue.Encode(req)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    req.ID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	}
	if delay > 0 {
		msg.Expiration = Expiration(delay)
	}

	sess, _ := q.current()
	q.pubMu.Lock()
	conf, err := sess.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	q.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish sweep: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker nacked sweep %s", req.ID)
	}
	return nil
}

// Dequeue blocks until a message arrives. While the link is down it waits
// for the redialed session.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		sess, swapped := q.current()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return nil, queue.ErrClosed
		case m, ok := <-sess.msgs:
			if ok {
				return q.wrap(m), nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return nil, queue.ErrClosed
		case <-swapped:
		}
	}
}

func (q *Queue) wrap(m amqp.Delivery) *delivery {
	req, err := queue.Decode(m.Body)
	if err != nil {
		q.logger.Warn("undecodable sweep message", zap.String("message_id", m.MessageId), zap.Error(err))
	}
	return &delivery{q: q, msg: m, req: req, attempt: Attempt(m.Headers, m.Redelivered)}
}

// Close stops reconnecting and tears down the live session.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.done)
		sess := q.sess
		q.mu.Unlock()
		if sess != nil {
			err = sess.close()
		}
		q.wg.Wait()
	})
	return err
}

func amqpErr(err *amqp.Error) error {
	if err == nil {
		return errors.New("closed without reason")
	}
	return err
}

type delivery struct {
	q       *Queue
	msg     amqp.Delivery
	req     harvest.SweepRequest
	attempt int
}

func (d *delivery) Request() harvest.SweepRequest { return d.req }

func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(context.Context) error {
	if err := d.msg.Ack(false); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue republishes through the delay queue, then acks the original.
func (d *delivery) Requeue(ctx context.Context, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = d.q.publish(ctx, "", d.q.cfg.DelayQueue(), d.req, d.attempt+1, delay)
	} else {
		err = d.q.publish(ctx, d.q.cfg.Exchange, d.q.cfg.Queue, d.req, d.attempt+1, 0)
	}
	if err != nil {
		if nackErr := d.msg.Nack(false, true); nackErr != nil {
			return fmt.Errorf("requeue: %w (nack: %v)", err, nackErr)
		}
		return fmt.Errorf("requeue: %w", err)
	}
	return d.Ack(ctx)
}

// Reject dead-letters the message to the parking queue.
func (d *delivery) Reject(context.Context) error {
	if err := d.msg.Nack(false, false); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	return nil
}

// Attempt reads the delivery attempt from headers. Broker redeliveries
// after a consumer crash count as another attempt.
func Attempt(headers amqp.Table, redelivered bool) int {
	attempt := 1
	switch v := headers[attemptHeader].(type) {
	case int32:
		attempt = int(v)
	case int64:
		attempt = int(v)
	case int:
		attempt = v
	}
	if attempt < 1 {
		attempt = 1
	}
	if redelivered {
		attempt++
	}
	return attempt
}

// Expiration formats a per-message TTL in milliseconds.
func Expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
