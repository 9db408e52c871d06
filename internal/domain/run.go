// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCEEDED"
	RunFailed  RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// CanTransition reports whether s -> next follows PENDING -> RUNNING -> SUCCEEDED|FAILED.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning
	case RunRunning:
		return next == RunSuccess || next == RunFailed
	default:
		return false
	}
}

type RunState struct {
	ID        uuid.UUID `json:"id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// RunRecord is the journaled view of a run, available after the live state is gone.
type RunRecord struct {
	ID         uuid.UUID  `json:"id"`
	Status     RunStatus  `json:"status"`
	Source     string     `json:"source,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
