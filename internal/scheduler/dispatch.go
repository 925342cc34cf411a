package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"
)

// dispatch runs one attempt's hooks in order:
//
//	Before -> Perform -> Success (on success) -> Failure (terminal) -> After
//
// An error or panic from Before or Perform ends the sequence and is handed
// to the payload's Error hook. Once Perform has returned, its result is the
// outcome: a panic in a later hook is logged and the remaining hooks still
// run.
func (e *Executor) dispatch(ctx context.Context, x *execution, terminal bool) (bool, error) {
	success, err := e.perform(ctx, x)
	if err != nil {
		if x.caps.Has(CanError) {
			e.deliverError(ctx, x, err)
		}
		return false, err
	}

	h := x.payload
	if success && x.caps.Has(CanSuccess) {
		e.guard(x, "success", func() { h.(Successer).Success(ctx) })
	}
	if terminal && x.caps.Has(CanFailure) {
		e.guard(x, "failure", func() { h.(Failurer).Failure(ctx) })
	}
	if x.caps.Has(CanAfter) {
		e.guard(x, "after", func() { h.(Afterer).After(ctx) })
	}
	return success, nil
}

// perform runs Before and Perform, turning a panic into an error.
func (e *Executor) perform(ctx context.Context, x *execution) (success bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			success, err = false, errors.Newf("handler panicked: %v", p)
		}
	}()

	if x.caps.Has(CanBefore) {
		if err := x.payload.(Beforer).Before(ctx); err != nil {
			return false, err
		}
	}
	return x.payload.(Performer).Perform(ctx)
}

// guard runs a hook that cannot change the outcome.
func (e *Executor) guard(x *execution, hook string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Warnw("hook panicked", "hook", hook, "job_id", x.job.ID, "panic", p)
		}
	}()
	fn()
}

func (e *Executor) deliverError(ctx context.Context, x *execution, err error) {
	e.guard(x, "error", func() { x.payload.(ErrorHandler).Error(ctx, err) })
}
