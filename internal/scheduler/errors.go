package scheduler

import "github.com/cockroachdb/errors"

var (
	// ErrMissingHandler marks payloads that cannot run: undecodable, or
	// lacking a Perform hook.
	ErrMissingHandler = errors.New("missing handler")
	// ErrCancelled is recorded when an attempt observed cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrPerformFailed is recorded when Perform reports failure without an error.
	ErrPerformFailed = errors.New("perform reported failure")

	ErrNoRepository   = errors.New("scheduler: no repository configured")
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotStarted     = errors.New("scheduler: not started")
	ErrStopped        = errors.New("scheduler: stopped")
)
