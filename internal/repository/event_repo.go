// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

// AppendEvent stores one log event. Re-appending the same (run, seq) is ignored.
func (r *EventRepository) AppendEvent(ctx context.Context, ev domain.LogEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO events (run_id, seq, ts, level, text, terminal)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, seq) DO NOTHING
	`,
		ev.RunID,
		ev.Seq,
		ev.Timestamp,
		ev.Level,
		ev.Text,
		ev.Terminal,
	)
	if err != nil {
		r.logger.Error("append event failed",
			"run_id", ev.RunID,
			"seq", ev.Seq,
			"error", err,
		)
	}
	return err
}

// ListEvents returns the journaled events of a run with seq > afterSeq, in
// order. The terminal marker carries the run's final status.
func (r *EventRepository) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]domain.LogEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.run_id, e.seq, e.ts, e.level, e.text, e.terminal,
		       CASE WHEN e.terminal THEN r.status ELSE '' END
		FROM events e
		JOIN runs r ON e.run_id = r.id
		WHERE e.run_id=$1
		  AND e.seq > $2
		ORDER BY e.seq ASC
	`,
		runID,
		afterSeq,
	)
	if err != nil {
		r.logger.Error("list events query failed",
			"run_id", runID,
			"error", err,
		)
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LogEvent, error) {
		var ev domain.LogEvent
		err := row.Scan(
			&ev.RunID,
			&ev.Seq,
			&ev.Timestamp,
			&ev.Level,
			&ev.Text,
			&ev.Terminal,
			&ev.Status,
		)
		return ev, err
	})
	if err != nil {
		r.logger.Error("events rows iteration failed",
			"run_id", runID,
			"error", err,
		)
		return nil, err
	}

	return out, nil
}
