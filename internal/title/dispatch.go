package title

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/matthewbub/wussup.chat-sub003/internal/queue/rabbitmq"
)

const DefaultJobTimeout = 30 * time.Second

// Job is one detached title request. It is also the queue payload.
type Job struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Seed      string `json:"seed"`
}

func NewJob(sessionID, userID, seed string) Job {
	return Job{ID: ulid.Make().String(), SessionID: sessionID, UserID: userID, Seed: seed}
}

// Dispatcher runs title jobs outside the turn. The returned channel yields
// exactly one value (nil on success) and is then closed.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) <-chan error
}

// LocalDispatcher runs jobs in a goroutine of this process.
type LocalDispatcher struct {
	gen     *Generator
	timeout time.Duration
}

func NewLocalDispatcher(gen *Generator, timeout time.Duration) *LocalDispatcher {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &LocalDispatcher{gen: gen, timeout: timeout}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) <-chan error {
	errCh := make(chan error, 1)
	// the job must outlive the request that triggered it
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	go func() {
		defer close(errCh)
		defer cancel()
		title, err := d.gen.GenerateAndApply(jobCtx, job.SessionID, job.Seed, job.UserID)
		if err != nil {
			errCh <- fmt.Errorf("title job %s: %w", job.ID, err)
			return
		}
		log.Printf("title job %s named session %s %q", job.ID, job.SessionID, title)
		errCh <- nil
	}()
	return errCh
}

// Publisher is satisfied by *rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// AMQPDispatcher hands jobs to the title worker over RabbitMQ. Its channel
// reports only whether the job was enqueued.
type AMQPDispatcher struct {
	pub Publisher
}

func NewAMQPDispatcher(pub Publisher) *AMQPDispatcher {
	return &AMQPDispatcher{pub: pub}
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, job Job) <-chan error {
	errCh := make(chan error, 1)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	go func() {
		defer close(errCh)
		defer cancel()
		if err := d.pub.Publish(pubCtx, job); err != nil {
			errCh <- fmt.Errorf("enqueue title job %s: %w", job.ID, err)
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Handler consumes queued jobs with gen.
func Handler(gen *Generator) rabbitmq.Handler {
	return func(ctx context.Context, body []byte) error {
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			// a malformed payload never succeeds; drop it
			log.Printf("title worker dropped malformed job: %v", err)
			return nil
		}
		title, err := gen.GenerateAndApply(ctx, job.SessionID, job.Seed, job.UserID)
		if err != nil {
			return fmt.Errorf("title job %s: %w", job.ID, err)
		}
		log.Printf("title job %s named session %s %q", job.ID, job.SessionID, title)
		return nil
	}
}

// Drain logs the outcome of a detached job.
func Drain(jobID string, errCh <-chan error) {
	go func() {
		for err := range errCh {
			if err != nil {
				log.Printf("title generation %s failed: %v", jobID, err)
			}
		}
	}()
}
