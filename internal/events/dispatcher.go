package events

import (
	"context"
	"time"

	"github.com/khwj/personal-analytics/internal/eventstore/sqlite"
	"github.com/khwj/personal-analytics/internal/logger"
)

// Queue is the outbox as seen by the dispatcher
type Queue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher sends one message with a deduplication id
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to the publisher
type Dispatcher struct {
	queue     Queue
	publisher Publisher
	log       logger.Logger

	BatchSize   int
	IdleWait    time.Duration
	ErrorWait   time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewDispatcher uses the default batch size and backoff bounds
func NewDispatcher(queue Queue, publisher Publisher, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		publisher:   publisher,
		log:         log,
		BatchSize:   100,
		IdleWait:    500 * time.Millisecond,
		ErrorWait:   time.Second,
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)

		wait := time.Duration(0)
		switch {
		case err != nil:
			d.log.Errorf("Error dequeuing outbox: %v", err)
			wait = d.ErrorWait
		case n == 0:
			wait = d.IdleWait
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it handled
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.queue.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.backoff(msg.Retries)
			d.log.Warnf("Error publishing message %d, retrying in %s: %v", msg.ID, backoff, err)
			if err := d.queue.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.log.Errorf("Error scheduling retry for message %d: %v", msg.ID, err)
			}
			continue
		}

		if err := d.queue.MarkPublished(ctx, msg.ID); err != nil {
			d.log.Errorf("Error marking message %d as published: %v", msg.ID, err)
		}
	}
	return len(messages), nil
}

func (d *Dispatcher) backoff(retries int) time.Duration {
	b := d.BaseBackoff
	for i := 0; i < retries && b < d.MaxBackoff; i++ {
		b *= 2
	}
	if b > d.MaxBackoff {
		b = d.MaxBackoff
	}
	return b
}
