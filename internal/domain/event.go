// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelSuccess LogLevel = "SUCCESS"
	LevelError   LogLevel = "ERROR"
)

const (
	TextRunFinished = "Run finished"
	TextRunNotFound = "Run not found"
)

// LogEvent is one line of a run's log stream. Seq is assigned per run starting at 1.
// Terminal is set only on the final marker, which also carries the run's end status.
type LogEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Level     LogLevel  `json:"level"`
	Text      string    `json:"text"`
	Terminal  bool      `json:"terminal,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
}

// NotFoundMarker is the terminal event handed to subscribers of a run id that
// the process does not know about.
func NotFoundMarker(runID uuid.UUID, now time.Time) LogEvent {
	return LogEvent{
		RunID:     runID,
		Timestamp: now,
		Level:     LevelError,
		Text:      TextRunNotFound,
		Terminal:  true,
	}
}
