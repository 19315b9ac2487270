// internal/database/events.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jason-s-yu/verdict/internal/eventlog"
)

// EventWriter persists drained event-log records into game_events.
type EventWriter struct {
	pool *pgxpool.Pool
}

func NewEventWriter(pool *pgxpool.Pool) *EventWriter {
	return &EventWriter{pool: pool}
}

// InsertEvents writes a batch of records in a single transaction.
func (w *EventWriter) InsertEvents(ctx context.Context, records []eventlog.Record) error {
	if len(records) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, w.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO game_events (session_id, session_code, type, player_id, round_id, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(q, rec.SessionID, rec.SessionCode, rec.Type, nullable(rec.PlayerID), nullable(rec.RoundID),
				rec.Payload, time.UnixMilli(rec.Timestamp).UTC())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("insert %d game events: %w", len(records), err)
	}
	return nil
}
