package model

import (
	"context"
	"errors"
)

// Error taxonomy shared by the collector, generator, store and orchestrator.
// Callers wrap these with fmt.Errorf("...: %w", ErrX) and classify with errors.Is.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrFetchBlocked          = errors.New("fetch blocked by challenge")
	ErrFetchFailed           = errors.New("fetch failed")
	ErrGenerationFailure     = errors.New("generation failed")
	ErrPersistenceFailure    = errors.New("persistence failed")
	ErrCancellationRequested = errors.New("cancellation requested")
	ErrPhaseTimeout          = errors.New("phase timed out")

	ErrJobNotFound       = errors.New("job not found")
	ErrJobFinished       = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Error codes surfaced to clients in job errors and websocket frames.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeFetchBlocked       = "FETCH_BLOCKED"
	CodeFetchFailed        = "FETCH_FAILED"
	CodeGenerationFailure  = "GENERATION_FAILURE"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeCancelled          = "CANCELLED"
	CodePhaseTimeout       = "PHASE_TIMEOUT"
	CodePhaseError         = "PHASE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the client-facing codes.
// Anything unrecognised is reported as a generic phase error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancellationRequested):
		return CodeCancelled
	case errors.Is(err, ErrPhaseTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodePhaseTimeout
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrFetchBlocked):
		return CodeFetchBlocked
	case errors.Is(err, ErrFetchFailed):
		return CodeFetchFailed
	case errors.Is(err, ErrGenerationFailure):
		return CodeGenerationFailure
	case errors.Is(err, ErrPersistenceFailure):
		return CodePersistenceFailure
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodePhaseError
	}
}
