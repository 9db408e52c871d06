// SPDX-License-Identifier: Apache-2.0

// Package journal writes run history to the database by listening to a run's
// log stream like any other subscriber.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/google/uuid"
)

const defaultWriteTimeout = 5 * time.Second

type RunStore interface {
	CreateRun(ctx context.Context, id uuid.UUID, source string, cfg domain.CampaignConfig, startedAt time.Time) error
	MarkRunning(ctx context.Context, id uuid.UUID) error
	FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, finishedAt time.Time) error
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev domain.LogEvent) error
}

type Deps struct {
	Runs         RunStore
	Events       EventStore
	Logger       *slog.Logger
	WriteTimeout time.Duration
	Now          func() time.Time
}

type Recorder struct {
	runs         RunStore
	events       EventStore
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

func New(deps Deps) *Recorder {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	timeout := deps.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Recorder{
		runs:         deps.Runs,
		events:       deps.Events,
		logger:       l,
		writeTimeout: timeout,
		now:          now,
	}
}

// Record creates the run row, appends every event delivered on sub and
// finalizes the row when the terminal marker arrives. It returns once the
// stream is closed. Write failures are logged and never end the recording.
func (r *Recorder) Record(ctx context.Context, runID uuid.UUID, cfg domain.CampaignConfig, sub *hub.Subscription) {
	defer sub.Close()

	log := r.logger.With("run_id", runID)

	r.write(ctx, log, "create run", func(ctx context.Context) error {
		return r.runs.CreateRun(ctx, runID, sourceOf(cfg), cfg, r.now().UTC())
	})

	running := false
	for ev := range sub.Events() {
		if !running && !ev.Terminal {
			running = true
			r.write(ctx, log, "mark running", func(ctx context.Context) error {
				return r.runs.MarkRunning(ctx, runID)
			})
		}

		r.write(ctx, log, "append event", func(ctx context.Context) error {
			return r.events.AppendEvent(ctx, ev)
		})

		if ev.Terminal && ev.Status.Terminal() {
			r.write(ctx, log, "finish run", func(ctx context.Context) error {
				return r.runs.FinishRun(ctx, runID, ev.Status, ev.Timestamp)
			})
		}
	}

	if n := sub.Dropped(); n > 0 {
		log.Warn("journal missed events", "dropped", n)
	}
}

func (r *Recorder) write(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	if err := fn(wctx); err != nil {
		log.Error("journal write failed", "op", op, "error", err)
	}
}

func sourceOf(cfg domain.CampaignConfig) string {
	c, err := domain.DecodeCampaign(cfg)
	if err != nil {
		return ""
	}
	return c.Source
}
