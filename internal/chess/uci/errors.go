package uci

import (
	"errors"
	"fmt"
)

var (
	ErrInitTimeout      = errors.New("engine initialization timeout")
	ErrNotReady         = errors.New("engine not ready")
	ErrMoveTimeout      = errors.New("engine bestmove timeout")
	ErrEngineExited     = errors.New("engine process exited")
	ErrAlreadyStarted   = errors.New("engine session already started")
	ErrNoLegalMove      = errors.New("engine reported no legal move")

	// ErrSearchInProgress is the busy flavour of ErrNotReady.
	ErrSearchInProgress = fmt.Errorf("%w: search already in progress", ErrNotReady)
)

// SpawnError reports that the engine subprocess could not be created or
// that one of its standard streams was unavailable.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn engine %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is delivered to pending work when the engine process goes away.
// errors.Is(err, ErrEngineExited) holds for every ExitError.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine process exited (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("engine process exited (code %d)", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func (e *ExitError) Is(target error) bool { return target == ErrEngineExited }
