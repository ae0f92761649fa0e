package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// Handler processes one message body. A returned error sends the message to
// the retry queue until MaxAttempts is reached, then to the dlq.
type Handler func(ctx context.Context, body []byte) error

type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int
	MaxAttempts int
}

type Consumer struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
	// retry owns a second channel on conn
	retry *Publisher
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, cfg.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	retryCh, err := conn.Channel()
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit retry channel: %w", err)
	}
	return &Consumer{
		cfg:   cfg,
		conn:  conn,
		ch:    ch,
		retry: &Publisher{ch: retryCh, queue: cfg.Queue},
	}, nil
}

// Run consumes until ctx is cancelled, then waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	log.Printf("consumer started, queue=%s concurrency=%d", c.cfg.Queue, c.cfg.Concurrency)

	jobs := make(chan amqp.Delivery, c.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.deliver(ctx, workerID, d, handle)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("consumer shutting down")
			close(jobs)
			wg.Wait()
			return nil
		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return fmt.Errorf("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	start := time.Now()
	err := handle(ctx, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Printf("worker=%d ack failed: %v", workerID, err)
		}
		return
	}

	attempt := attemptOf(d) + 1
	log.Printf("worker=%d job failed attempt=%d cost=%s err=%v", workerID, attempt, time.Since(start), err)
	if attempt >= c.cfg.MaxAttempts {
		_ = d.Nack(false, false) // dead-letters to the dlq
		return
	}
	if err := c.retry.publish(ctx, c.cfg.Queue+retrySuffix, d.Body, amqp.Table{attemptHeader: int32(attempt)}); err != nil {
		log.Printf("worker=%d schedule retry failed: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (c *Consumer) Close() error {
	_ = c.retry.ch.Close()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
