package natsjs

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRelayBatch    = 100
	defaultRelayInterval = 5 * time.Second
	maxRelayBackoff      = 5 * time.Minute
)

// Outbox is the queue the relay drains.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// OutboxMessage mirrors a queued row.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// Relay forwards queued outbox messages to JetStream.
type Relay struct {
	Outbox    Outbox
	Publisher *Publisher
	Batch     int
	Interval  time.Duration
	Log       *slog.Logger
}

// NewRelay creates a relay with default batch size and interval.
func NewRelay(outbox Outbox, pub *Publisher, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		Outbox:    outbox,
		Publisher: pub,
		Batch:     defaultRelayBatch,
		Interval:  defaultRelayInterval,
		Log:       log,
	}
}

// Backoff is the delay before retry number retries+1: one second doubling
// up to five minutes.
func Backoff(retries int) time.Duration {
	if retries >= 9 {
		return maxRelayBackoff
	}
	return min(time.Second<<retries, maxRelayBackoff)
}

// Drain publishes everything that is due. Failed messages are deferred with
// Backoff and do not stop the drain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}

	published := 0
	for {
		msgs, err := r.Outbox.DequeueOutbox(ctx, batch)
		if err != nil {
			return published, err
		}
		failed := 0
		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return published, err
			}
			if err := r.Publisher.PublishRaw(ctx, m.Subject, m.Payload, m.MsgID); err != nil {
				failed++
				r.Log.Warn("outbox publish failed", "id", m.ID, "msg_id", m.MsgID, "retries", m.Retries, "error", err)
				if err := r.Outbox.MarkOutboxRetry(ctx, m.ID, Backoff(m.Retries)); err != nil {
					return published, err
				}
				continue
			}
			if err := r.Outbox.MarkPublished(ctx, m.ID); err != nil {
				return published, err
			}
			published++
		}
		// a short batch means the queue is empty; an all-failed batch means
		// the broker is down
		if len(msgs) < batch || failed == len(msgs) {
			return published, nil
		}
	}
}

// Run drains on every interval until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.Log.Error("outbox drain failed", "error", err)
		} else if n > 0 {
			r.Log.Info("outbox drained", "published", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
