// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

// CreateRun journals a newly accepted run. Creating the same id twice is a
// no-op.
func (r *RunRepository) CreateRun(ctx context.Context, id uuid.UUID, source string, cfg domain.CampaignConfig, startedAt time.Time) error {
	if cfg == nil {
		cfg = domain.CampaignConfig{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO runs (id, status, source, config, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`,
		id,
		domain.RunPending,
		source,
		redactConfig(cfg),
		startedAt,
	)
	if err != nil {
		r.logger.Error("insert run failed", "run_id", id, "error", err)
		return err
	}
	return nil
}

func (r *RunRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status=$3
	`,
		id,
		domain.RunRunning,
		domain.RunPending,
	)
	if err != nil {
		r.logger.Error("mark run running failed", "run_id", id, "error", err)
	}
	return err
}

// FinishRun records the terminal status. It only moves runs that are not
// already terminal.
func (r *RunRepository) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, finishedAt time.Time) error {
	if !status.Terminal() {
		return domain.ErrInvalidTransition
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status=$2, finished_at=$3, updated_at=NOW()
		WHERE id=$1 AND status NOT IN ($4, $5)
	`,
		id,
		status,
		finishedAt,
		domain.RunSuccess,
		domain.RunFailed,
	)
	if err != nil {
		r.logger.Error("finish run failed", "run_id", id, "status", status, "error", err)
	}
	return err
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (domain.RunRecord, error) {
	var rec domain.RunRecord

	err := r.pool.QueryRow(ctx, `
		SELECT id, status, source, started_at, finished_at
		FROM runs
		WHERE id=$1
	`, id).Scan(&rec.ID, &rec.Status, &rec.Source, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunRecord{}, domain.ErrNotFound
	}
	if err != nil {
		r.logger.Error("get run failed", "run_id", id, "error", err)
		return domain.RunRecord{}, err
	}

	return rec, nil
}

// ListRecent returns the newest journaled runs first.
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, status, source, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("list runs query failed", "error", err)
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RunRecord, error) {
		var rec domain.RunRecord
		err := row.Scan(&rec.ID, &rec.Status, &rec.Source, &rec.StartedAt, &rec.FinishedAt)
		return rec, err
	})
	if err != nil {
		r.logger.Error("list runs scan failed", "error", err)
		return nil, err
	}
	return out, nil
}

// redactConfig drops CMS credentials and webhook secrets before the campaign
// is stored.
func redactConfig(cfg domain.CampaignConfig) domain.CampaignConfig {
	out := make(domain.CampaignConfig, len(cfg))
	for k, v := range cfg {
		switch k {
		case "webhook_secret":
			continue
		case "cms":
			if m, ok := v.(map[string]any); ok {
				clean := make(map[string]any, len(m))
				for ck, cv := range m {
					if ck != "password" {
						clean[ck] = cv
					}
				}
				v = clean
			}
		}
		out[k] = v
	}
	return out
}
