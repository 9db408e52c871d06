// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownRun = errors.New("unknown run")
var ErrInvalidTransition = errors.New("invalid run status transition")
var ErrMissingConfig = errors.New("missing campaign config")
var ErrIDSpaceExhausted = errors.New("run id space exhausted")
var ErrNotFound = errors.New("not found")

// StageFailure is the error a run carries out of a failed or panicking stage.
type StageFailure struct {
	Stage StageName
	Err   error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s stage failed: %v", f.Stage, f.Err)
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}
