// Package notify publishes delivery status changes recorded in the outbox.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"podtrack/metrics"
)

const (
	DefaultChannelPrefix = "podtrack"
	DefaultBatchSize     = 50
	DefaultMaxAttempts   = 5
	DefaultPollInterval  = 2 * time.Second
)

// Relay moves outbox rows to the publisher. Rows are marked processed on
// success; failures are retried until maxAttempts and then marked dead.
type Relay struct {
	store       OutboxStore
	publisher   Publisher
	prefix      string
	batchSize   int
	maxAttempts int
	interval    time.Duration
	logger      *zap.Logger
}

// NewRelay wires a relay with default settings.
func NewRelay(store OutboxStore, publisher Publisher) *Relay {
	return &Relay{
		store:       store,
		publisher:   publisher,
		prefix:      DefaultChannelPrefix,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultPollInterval,
		logger:      zap.NewNop(),
	}
}

func (r *Relay) WithChannelPrefix(prefix string) *Relay {
	if prefix != "" {
		r.prefix = prefix
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithPollInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithLogger(logger *zap.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Channel returns the pub/sub channel for topic.
func (r *Relay) Channel(topic string) string {
	return r.prefix + ":" + topic
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		zap.String("prefix", r.prefix),
		zap.Duration("interval", r.interval),
	)
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				r.logger.Error("outbox relay batch failed", zap.Error(err))
				break
			}
			if n < r.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce handles a single batch and reports how many rows it claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	claim, err := r.store.Claim(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	defer claim.Rollback(ctx)

	msgs := claim.Messages()
	for _, msg := range msgs {
		if err := r.deliver(ctx, claim, msg); err != nil {
			return 0, err
		}
	}

	if err := claim.Commit(ctx); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (r *Relay) deliver(ctx context.Context, claim Claim, msg Message) error {
	pubErr := r.publisher.Publish(ctx, r.Channel(msg.Topic), msg.Payload)
	if pubErr == nil {
		metrics.RelayPublishedTotal.WithLabelValues(msg.Topic).Inc()
		return claim.MarkProcessed(ctx, msg.ID)
	}
	if errors.Is(pubErr, context.Canceled) && ctx.Err() != nil {
		return pubErr
	}

	dead := msg.Attempts+1 >= r.maxAttempts
	state := "retry"
	if dead {
		state = "dead"
	}
	metrics.RelayFailedTotal.WithLabelValues(msg.Topic, state).Inc()
	r.logger.Warn("outbox publish failed",
		zap.Int64("outbox_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("attempts", msg.Attempts+1),
		zap.Bool("dead", dead),
		zap.Error(pubErr),
	)
	return claim.MarkFailed(ctx, msg.ID, pubErr.Error(), dead)
}
