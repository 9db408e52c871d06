// SPDX-License-Identifier: Apache-2.0

// Package orchestrator is the entry point for starting campaign runs and
// attaching to their log streams.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/adiadia/campaign-runtime/internal/registry"
	"github.com/google/uuid"
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

type Executor interface {
	Execute(ctx context.Context, runID uuid.UUID, cfg domain.CampaignConfig) domain.RunStatus
}

// Journal persists a run's history. Record consumes sub until it ends and must
// not return earlier.
type Journal interface {
	Record(ctx context.Context, runID uuid.UUID, cfg domain.CampaignConfig, sub *hub.Subscription)
}

type Deps struct {
	Registry *registry.Registry
	Hub      *hub.Hub
	Executor Executor
	Journal  Journal
	Logger   *slog.Logger
}

type Orchestrator struct {
	registry *registry.Registry
	hub      *hub.Hub
	executor Executor
	journal  Journal
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	cancels sync.Map // uuid.UUID -> context.CancelFunc

	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
}

func New(deps Deps) *Orchestrator {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}

	h := deps.Hub
	if h == nil {
		h = hub.New(hub.Config{Logger: l})
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: reg,
		hub:      h,
		executor: deps.Executor,
		journal:  deps.Journal,
		logger:   l,
		baseCtx:  ctx,
		stop:     stop,
	}
}

// StartRun registers a run and launches its executor in the background. It
// returns as soon as the run id is allocated. The run's lifetime is not tied
// to ctx.
func (o *Orchestrator) StartRun(ctx context.Context, cfg domain.CampaignConfig) (uuid.UUID, error) {
	id, _, err := o.start(ctx, cfg, false)
	return id, err
}

// StartRunAttached is StartRun plus a subscription taken before the executor
// starts, so the caller sees the run's log from its first event.
func (o *Orchestrator) StartRunAttached(ctx context.Context, cfg domain.CampaignConfig) (uuid.UUID, *hub.Subscription, error) {
	return o.start(ctx, cfg, true)
}

func (o *Orchestrator) start(ctx context.Context, cfg domain.CampaignConfig, attach bool) (uuid.UUID, *hub.Subscription, error) {
	if cfg == nil {
		return uuid.Nil, nil, domain.ErrMissingConfig
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing {
		return uuid.Nil, nil, ErrShuttingDown
	}

	id, err := o.registry.Create()
	if err != nil {
		return uuid.Nil, nil, err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancels.Store(id, cancel)

	// Subscriptions are taken before the executor starts so they see every event.
	var sub *hub.Subscription
	if attach {
		sub = o.hub.Subscribe(id)
	}
	if o.journal != nil {
		jsub := o.hub.Subscribe(id)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.journal.Record(context.WithoutCancel(runCtx), id, cfg, jsub)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.cancels.Delete(id)
			cancel()
		}()
		o.executor.Execute(runCtx, id, cfg)
	}()

	o.logger.InfoContext(ctx, "run accepted", "run_id", id, "attached", attach)
	return id, sub, nil
}

// Attach subscribes to a run's log stream. Ids that are neither live nor
// remembered as recently finished get a stream holding only a "Run not found"
// marker.
func (o *Orchestrator) Attach(id uuid.UUID) *hub.Subscription {
	if _, err := o.registry.Get(id); err == nil || o.hub.Closed(id) {
		return o.hub.Subscribe(id)
	}
	return o.hub.Finished(id, domain.NotFoundMarker(id, time.Now().UTC()))
}

// Cancel asks a live run to stop. The executor notices before its next stage.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	v, ok := o.cancels.Load(id)
	if !ok {
		return domain.ErrUnknownRun
	}
	v.(context.CancelFunc)()
	o.logger.Info("run cancel requested", "run_id", id)
	return nil
}

func (o *Orchestrator) Status(id uuid.UUID) (domain.RunState, error) {
	return o.registry.Get(id)
}

func (o *Orchestrator) Runs() []domain.RunState {
	return o.registry.List()
}

func (o *Orchestrator) HubStats() hub.Stats {
	return o.hub.Stats()
}

// Shutdown stops accepting runs, cancels the live ones and waits for their
// executors and journal writers to finish, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator drained")
		return nil
	case <-ctx.Done():
		o.logger.Warn("orchestrator shutdown timed out", "active_runs", o.registry.Len())
		return ctx.Err()
	}
}
