package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Message is one pending outbox row.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// Claim holds a batch of locked outbox rows until Commit or Rollback.
type Claim interface {
	Messages() []Message
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string, dead bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// OutboxStore hands out batches of pending messages.
type OutboxStore interface {
	Claim(ctx context.Context, limit int) (Claim, error)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGOutbox claims rows from the outbox table. Concurrent relays skip each
// other's locked rows.
type PGOutbox struct {
	pool TxBeginner
}

// NewPGOutbox wires an outbox store on pool.
func NewPGOutbox(pool TxBeginner) *PGOutbox {
	return &PGOutbox{pool: pool}
}

// Claim locks up to limit pending rows, oldest first.
func (o *PGOutbox) Claim(ctx context.Context, limit int) (Claim, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: begin tx: %w", err)
	}

	const q = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("notify: claim outbox: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts)
		return m, err
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("notify: scan outbox: %w", err)
	}

	return &pgClaim{tx: tx, msgs: msgs}, nil
}

type pgClaim struct {
	tx   pgx.Tx
	msgs []Message
}

func (c *pgClaim) Messages() []Message { return c.msgs }

func (c *pgClaim) MarkProcessed(ctx context.Context, id int64) error {
	const q = `UPDATE outbox SET status = 'processed', processed_at = now(), attempts = attempts + 1 WHERE id = $1`
	if _, err := c.tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("notify: mark processed: %w", err)
	}
	return nil
}

func (c *pgClaim) MarkFailed(ctx context.Context, id int64, reason string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	const q = `UPDATE outbox SET status = $2, attempts = attempts + 1, last_error = $3 WHERE id = $1`
	if _, err := c.tx.Exec(ctx, q, id, status, reason); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}

func (c *pgClaim) Commit(ctx context.Context) error {
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit claim: %w", err)
	}
	return nil
}

func (c *pgClaim) Rollback(ctx context.Context) error {
	return c.tx.Rollback(ctx)
}
