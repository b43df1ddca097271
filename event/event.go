// Package event writes the append-only notification streams: per-escrow
// timeline events for observers and outbox messages for downstream delivery.
// Both writers run inside the caller's transaction so notifications commit
// atomically with the state change they describe.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline appends immutable per-escrow events with a monotonic seq.
type Timeline struct{}

// Append inserts one event. The seq computation is safe because every caller
// holds the escrow row lock, serializing appends per id.
func (Timeline) Append(ctx context.Context, tx pgx.Tx, escrowID int64, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
		INSERT INTO timeline_events (escrow_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		FROM timeline_events WHERE escrow_id = $1
	`
	if _, err := tx.Exec(ctx, q, escrowID, eventType, actor, body); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues messages for asynchronous delivery to external consumers.
type Outbox struct{}

// Enqueue inserts one pending message.
func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}
