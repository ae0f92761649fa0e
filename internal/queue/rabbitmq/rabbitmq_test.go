package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestAttemptOf(t *testing.T) {
	cases := []struct {
		headers amqp.Table
		want    int
	}{
		{nil, 0},
		{amqp.Table{attemptHeader: int32(2)}, 2},
		{amqp.Table{attemptHeader: int64(4)}, 4},
		{amqp.Table{attemptHeader: "x"}, 0},
	}
	for _, tc := range cases {
		if got := attemptOf(amqp.Delivery{Headers: tc.headers}); got != tc.want {
			t.Fatalf("attemptOf(%v) = %d, want %d", tc.headers, got, tc.want)
		}
	}
}

func TestPublishConsumeRetry(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("set TEST_AMQP_URL to run rabbitmq-backed tests")
	}
	queue := fmt.Sprintf("wussup.test.%d", time.Now().UnixNano())

	pub, err := NewPublisher(url, queue)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()
	cons, err := NewConsumer(ConsumerConfig{URL: url, Queue: queue, Concurrency: 1, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer cons.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var calls atomic.Int32
	done := make(chan string, 1)
	go cons.Run(ctx, func(ctx context.Context, body []byte) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		var job map[string]string
		_ = json.Unmarshal(body, &job)
		done <- job["session_id"]
		return nil
	})

	if err := pub.Publish(ctx, map[string]string{"session_id": "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-done:
		if got != "s1" {
			t.Fatalf("unexpected job %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("job was not retried, calls=%d", calls.Load())
	}
}
