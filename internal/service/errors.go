package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/examgen-backend/internal/model"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrInvalidState          = errors.New("operation not allowed in the current session state")
	ErrGenerationBusy        = errors.New("a batch is already being generated for this session")
	ErrGenerationUnavailable = errors.New("question generation is unavailable")
	ErrInvalidBatchIndex     = errors.New("batch index outside the session plan")
	ErrQuestionNotLoaded     = errors.New("question index has not been generated")
	ErrResultsNotReady       = errors.New("results are available once the session is completed")
	ErrInvalidChoice         = errors.New("selected answer must be between 0 and 3")
)

// OutOfSequenceError is returned when a batch other than the next one is requested.
type OutOfSequenceError struct {
	Expected  int
	Requested int
}

func (e *OutOfSequenceError) Error() string {
	return fmt.Sprintf("batch %d requested out of sequence, expected %d", e.Requested, e.Expected)
}

// ResourceLimitError is returned when pausing would exceed the per-kind paused session limit.
type ResourceLimitError struct {
	Kind  model.SessionKind
	Limit int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("at most %d paused %s session(s) allowed", e.Limit, e.Kind)
}
