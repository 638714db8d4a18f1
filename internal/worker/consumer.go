package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"docchat/internal/handoff"
	"docchat/internal/platform/rabbitmq"
)

type JobProcessor interface {
	Process(ctx context.Context, key string) (Outcome, error)
}

// Consumer reads handoff notices from the job queue and runs them on a
// bounded pool. Notices are acknowledged once their job reaches an outcome.
type Consumer struct {
	conn        *amqp.Connection
	queueName   string
	concurrency int
	job         JobProcessor
	logger      *slog.Logger

	pool   *ants.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu  sync.Mutex
	err error
}

var ErrDeliveriesClosed = errors.New("delivery channel closed")

func NewConsumer(conn *amqp.Connection, queueName string, concurrency int, job JobProcessor, logger *slog.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:        conn,
		queueName:   queueName,
		concurrency: concurrency,
		job:         job,
		logger:      logger.With("queue", queueName),
		done:        make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}

	pool, err := ants.NewPool(c.concurrency, ants.WithPanicHandler(func(p any) {
		c.logger.Error("ingestion task panicked", "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("create worker pool failed: %w", err)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		pool.Release()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		_ = ch.Close()
		pool.Release()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, c.queueName); err != nil {
		_ = ch.Close()
		pool.Release()
		return err
	}

	deliveries, err := ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		pool.Release()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	c.pool = pool
	c.run(ctx, deliveries, func() { _ = ch.Close() })
	c.logger.Info("ingestion consumer started", "concurrency", c.concurrency)
	return nil
}

// run dispatches deliveries to the pool until ctx is cancelled, Close is
// called, or the broker closes the delivery channel. The last case is
// reported through Done and Err.
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, closeChannel func()) {
	consumeCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	// In-flight jobs finish even after Close stops consumption.
	taskCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		defer closeChannel()
		defer c.drain()

		for {
			select {
			case <-consumeCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Error("delivery channel closed by broker")
					c.setErr(ErrDeliveriesClosed)
					return
				}
				if err := c.pool.Submit(func() { c.handle(taskCtx, d) }); err != nil {
					c.logger.Error("submit ingestion task failed", "error", err)
					_ = d.Nack(false, true)
				}
			}
		}
	}()
}

// Done is closed once the consumer stops for any reason.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrDeliveriesClosed when the broker ended consumption, nil
// otherwise.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ingestion task panicked", "panic", r)
			_ = d.Nack(false, false)
		}
	}()

	notice, err := decodeNotice(d.Body)
	if err != nil {
		c.logger.Error("reject notice", "error", err)
		_ = d.Nack(false, false)
		return
	}

	outcome, err := c.job.Process(ctx, notice.Key)
	if err != nil {
		c.logger.Error("ingestion job will be retried", "key", notice.Key, "error", err)
		_ = d.Nack(false, true)
		return
	}
	c.logger.Debug("ingestion job done", "key", notice.Key, "outcome", outcome)
	_ = d.Ack(false)
}

func decodeNotice(body []byte) (handoff.Notice, error) {
	var n handoff.Notice
	if err := json.Unmarshal(body, &n); err != nil {
		return handoff.Notice{}, fmt.Errorf("%w: %v", handoff.ErrMalformedRecord, err)
	}
	if err := n.Validate(); err != nil {
		return handoff.Notice{}, err
	}
	return n, nil
}

// drain waits for running tasks so their acks happen before the channel closes.
func (c *Consumer) drain() {
	if err := c.pool.ReleaseTimeout(30 * time.Second); err != nil {
		c.logger.Warn("worker pool did not drain in time", "error", err)
	}
}

func (c *Consumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
