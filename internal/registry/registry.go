// SPDX-License-Identifier: Apache-2.0

// Package registry keeps the in-memory state of every live run.
//
// Each run owns its own mutex; the top-level map is a sync.Map so that
// operations on different runs never contend on a shared lock.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/google/uuid"
)

const maxIDAttempts = 8

type entry struct {
	mu      sync.Mutex
	state   domain.RunState
	removed bool
}

type Registry struct {
	runs  sync.Map // uuid.UUID -> *entry
	newID func() (uuid.UUID, error)
	now   func() time.Time
}

func New() *Registry {
	return &Registry{
		newID: uuid.NewRandom,
		now:   time.Now,
	}
}

// Create allocates a new run in PENDING.
func (r *Registry) Create() (uuid.UUID, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return uuid.Nil, fmt.Errorf("generate run id: %w", err)
		}

		e := &entry{state: domain.RunState{
			ID:        id,
			Status:    domain.RunPending,
			StartedAt: r.now().UTC(),
		}}
		if _, loaded := r.runs.LoadOrStore(id, e); !loaded {
			return id, nil
		}
	}
	return uuid.Nil, domain.ErrIDSpaceExhausted
}

func (r *Registry) Transition(id uuid.UUID, next domain.RunStatus) error {
	e, ok := r.load(id)
	if !ok {
		return fmt.Errorf("transition %s: %w", id, domain.ErrUnknownRun)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("transition %s: %w", id, domain.ErrUnknownRun)
	}
	if !e.state.Status.CanTransition(next) {
		return fmt.Errorf("transition %s %s -> %s: %w", id, e.state.Status, next, domain.ErrInvalidTransition)
	}

	e.state.Status = next
	return nil
}

// Remove forgets a run. Removing an absent run is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	e, ok := r.load(id)
	if !ok {
		return
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	r.runs.CompareAndDelete(id, e)
}

func (r *Registry) Get(id uuid.UUID) (domain.RunState, error) {
	e, ok := r.load(id)
	if !ok {
		return domain.RunState{}, domain.ErrUnknownRun
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return domain.RunState{}, domain.ErrUnknownRun
	}
	return e.state, nil
}

// List returns a snapshot of all live runs, oldest first.
func (r *Registry) List() []domain.RunState {
	out := make([]domain.RunState, 0, 16)
	r.runs.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.state)
		}
		e.mu.Unlock()
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) Len() int {
	n := 0
	r.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) load(id uuid.UUID) (*entry, bool) {
	v, ok := r.runs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}
