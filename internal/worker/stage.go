// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/google/uuid"
)

// Stage is one step of a campaign run. A nil error means the stage succeeded;
// anything else ends the run as FAILED.
type Stage interface {
	Name() domain.StageName
	Execute(ctx context.Context, run *Run) error
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName domain.StageName
	Fn        func(ctx context.Context, run *Run) error
}

func (s StageFunc) Name() domain.StageName { return s.StageName }

func (s StageFunc) Execute(ctx context.Context, run *Run) error {
	return s.Fn(ctx, run)
}

// Run is the state handed from stage to stage. Stages read what earlier stages
// produced and report progress through Info and Success.
type Run struct {
	ID       uuid.UUID
	Campaign domain.Campaign

	Article   domain.Article
	HTML      string
	Content   string
	Rewritten string
	PostURL   string

	log *emitter
}

func (r *Run) Info(format string, args ...any) {
	r.log.emit(domain.LevelInfo, fmt.Sprintf(format, args...))
}

func (r *Run) Success(format string, args ...any) {
	r.log.emit(domain.LevelSuccess, fmt.Sprintf(format, args...))
}

// emitter stamps events for a single run with a sequence number and a
// strictly increasing timestamp before publishing them.
type emitter struct {
	mu    sync.Mutex
	runID uuid.UUID
	hub   Broadcaster
	now   func() time.Time
	seq   int64
	last  time.Time
}

func newEmitter(runID uuid.UUID, hub Broadcaster, now func() time.Time) *emitter {
	return &emitter{runID: runID, hub: hub, now: now}
}

func (e *emitter) next(level domain.LogLevel, text string) domain.LogEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.now().UTC().Truncate(time.Microsecond)
	if !ts.After(e.last) {
		ts = e.last.Add(time.Microsecond)
	}
	e.last = ts
	e.seq++

	return domain.LogEvent{
		RunID:     e.runID,
		Seq:       e.seq,
		Timestamp: ts,
		Level:     level,
		Text:      text,
	}
}

func (e *emitter) emit(level domain.LogLevel, text string) {
	e.hub.Publish(e.runID, e.next(level, text))
}
