// Package rabbitmq carries detached jobs between the API process and workers.
// Every queue q comes with q.retry (TTL, dead-letters back to q) and q.dlq.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	retrySuffix = ".retry"
	dlqSuffix   = ".dlq"
	// retryDelay is how long a failed delivery waits in the retry queue.
	retryDelay = 5 * time.Second
)

type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// declareTopology declares the dlq, the retry queue and the main queue.
// Publisher and Consumer must agree on the arguments.
func declareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + retrySuffix
	dlqQ := queue + dlqSuffix

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlqQ, err)
	}
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
		"x-message-ttl":             int32(retryDelay / time.Millisecond),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", retryQ, err)
	}
	if _, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", mainQ, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish sends v as a persistent JSON message on the publisher's queue.
func (p *Publisher) Publish(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return p.publish(ctx, p.queue, body, nil)
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
