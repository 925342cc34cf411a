// Package scheduler claims due jobs from a Repository and runs them on
// per-priority lanes with retries, recurrence and lifecycle hooks.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"distributed-job-scheduler/internal/lock"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/recurrence"
	"distributed-job-scheduler/internal/telemetry"
)

// Executor polls a Repository and runs claimed jobs. Build one with New,
// then Start it; Stop tears it down. An executor is not restartable.
type Executor struct {
	repo     Repository
	codec    Codec
	settings Settings
	locker   ClaimLocker
	logger   *zap.SugaredLogger
	now      func() time.Time

	pending *pendingSet
	// slots is the process-wide concurrency budget shared by every lane.
	slots *semaphore.Weighted

	mu         sync.Mutex
	lanes      map[int]*lane
	started    bool
	runCtx     context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	workers    sync.WaitGroup

	stopping atomic.Bool
	halting  atomic.Bool
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClaimLocker replaces the process-local claim lock, for example with
// a lock shared across processes.
func WithClaimLocker(l ClaimLocker) Option {
	return func(e *Executor) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an executor. repo may be nil for an executor that only runs
// jobs inline in immediate mode.
func New(repo Repository, codec Codec, settings Settings, logger *zap.SugaredLogger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Executor{
		repo:     repo,
		codec:    codec,
		settings: settings.withDefaults(),
		locker:   lock.NewLocal(),
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		pending:  newPendingSet(),
		lanes:    make(map[int]*lane),
		loopDone: make(chan struct{}),
	}
	e.slots = semaphore.NewWeighted(int64(e.settings.Concurrency))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings returns the effective settings, defaults applied.
func (e *Executor) Settings() Settings {
	return e.settings
}

// Repository returns the backing store, or nil.
func (e *Executor) Repository() Repository {
	return e.repo
}

// Start launches the poll loop. The first tick runs immediately, then one
// every SleepDelay. Attempts keep running after ctx is cancelled; only Stop
// ends them.
func (e *Executor) Start(ctx context.Context) error {
	if e.repo == nil {
		return ErrNoRepository
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.runCtx = context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	go e.loop(loopCtx)
	e.logger.Infow("scheduler started",
		"worker_id", e.settings.WorkerID,
		"concurrency", e.settings.Concurrency,
		"read_ahead", e.settings.ReadAhead,
		"sleep_delay", e.settings.SleepDelay,
	)
	return nil
}

// Stop ends the poll loop and waits for lane workers to drain. With
// immediate set, every running payload that implements Halt is asked to
// halt and its attempt is cancelled first. Jobs claimed but not yet started
// are released. Stop returns ctx's error if it expires before the drain.
func (e *Executor) Stop(ctx context.Context, immediate bool) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	if e.stopping.CompareAndSwap(false, true) {
		e.loopCancel()
	}
	if immediate {
		e.halting.Store(true)
		for _, x := range e.pending.snapshot() {
			x.halt(true, e.logger)
			x.abort()
		}
	}
	select {
	case <-e.loopDone:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for poll loop")
	}
	e.closeLanes()

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		e.logger.Infow("scheduler stopped", "immediate", immediate)
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for %d running attempts", e.pending.len())
	}
}

func (e *Executor) stopRequested() bool {
	return e.stopping.Load()
}

// Running reports how many attempts are executing.
func (e *Executor) Running() int {
	return e.pending.len()
}

func (e *Executor) loop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.settings.SleepDelay)
	defer ticker.Stop()
	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick claims one read-ahead batch and hands it to the lanes, then cancels
// attempts that overran MaxRunTime.
func (e *Executor) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			telemetry.PollErrors.Inc()
			e.logger.Errorw("poll tick panicked", "panic", p)
		}
	}()
	defer e.sweep()

	jobs, err := e.claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.PollErrors.Inc()
			e.logger.Warnw("claim failed", "error", err)
		}
		return
	}
	for i, job := range jobs {
		l := e.laneFor(job.Priority)
		select {
		case l.jobs <- job:
		case <-ctx.Done():
			for _, rest := range jobs[i:] {
				e.releaseClaim(ctx, rest)
			}
			return
		}
	}
}

func (e *Executor) claim(ctx context.Context) ([]*models.Job, error) {
	unlock, err := e.locker.Lock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire claim lock")
	}
	defer unlock()

	now := e.now()
	jobs, err := e.repo.ClaimNextAvailable(ctx, ClaimRequest{
		Claimant:    e.settings.WorkerID,
		Limit:       e.settings.ReadAhead,
		Now:         now,
		StaleBefore: now.Add(-e.settings.ClaimLease),
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim next available")
	}
	if len(jobs) > 0 {
		telemetry.JobsClaimed.Add(float64(len(jobs)))
		e.logger.Debugw("claimed jobs", "count", len(jobs))
	}
	return jobs, nil
}

// sweep cancels attempts running longer than MaxRunTime. Cancellation is
// advisory: it only lands if the payload watches its context or halts.
func (e *Executor) sweep() {
	cutoff := e.now().Add(-e.settings.MaxRunTime)
	for _, x := range e.pending.snapshot() {
		if x.cancelled.Load() || !x.started.Before(cutoff) {
			continue
		}
		e.logger.Warnw("attempt exceeded max run time",
			"job_id", x.job.ID,
			"started", x.started,
			"max_run_time", e.settings.MaxRunTime,
		)
		x.abort()
		x.halt(true, e.logger)
	}
}

// releaseClaim clears a claim for a job that will not be attempted.
func (e *Executor) releaseClaim(ctx context.Context, job *models.Job) {
	claimedBy := job.LockedBy
	job.ReleaseClaim()
	err := e.repo.Complete(context.WithoutCancel(ctx), Outcome{Job: job, ClaimedBy: claimedBy})
	switch {
	case errors.Is(err, models.ErrLeaseLost):
		e.logger.Debugw("claim already taken over", "job_id", job.ID)
	case err != nil:
		telemetry.RepositoryErrors.Inc()
		e.logger.Warnw("release claim failed", "job_id", job.ID, "error", err)
	}
}

// Attempt runs job once. It increments Attempts, runs the payload's hooks
// and applies the outcome: success marks SucceededAt and spawns the next
// occurrence of a recurring job; failure schedules a retry with backoff or,
// once MaxAttempts is reached, marks FailedAt. Claim markers are always
// cleared.
//
// With persist set the outcome is written through the repository even if
// ctx is cancelled meanwhile, and only if the job's claim still holds;
// otherwise models.ErrLeaseLost is returned and nothing is written.
// Handler failures are never returned as errors; the error result is only
// for a stopped executor or a failed write. A stopped executor releases
// the job's claim instead of running it.
func (e *Executor) Attempt(ctx context.Context, job *models.Job, persist bool) (bool, error) {
	if persist && e.repo == nil {
		return false, ErrNoRepository
	}
	if e.stopRequested() {
		if persist && job.IsClaimed() {
			e.releaseClaim(ctx, job)
		}
		return false, ErrStopped
	}

	claimedBy := job.LockedBy
	job.Attempts++
	terminal := job.Attempts >= e.settings.MaxAttempts
	success, runErr := e.run(ctx, job, terminal)
	finished := e.now()

	var next *models.Job
	if success {
		job.SetLastError(nil)
		next = e.nextInSeries(job)
		job.SucceededAt = &finished
		telemetry.JobsSucceeded.Inc()
	} else {
		job.SetLastError(runErr)
		if errors.Is(runErr, ErrCancelled) {
			telemetry.JobsCancelled.Inc()
		}
		if terminal {
			job.FailedAt = &finished
			telemetry.JobsFailed.Inc()
			e.logger.Warnw("job failed permanently", "job_id", job.ID, "attempts", job.Attempts, "error", runErr)
		} else {
			runAt := finished.Add(e.settings.Backoff(job.Attempts))
			job.RunAt = &runAt
			telemetry.JobsRetried.Inc()
			e.logger.Infow("job scheduled for retry", "job_id", job.ID, "attempts", job.Attempts, "run_at", runAt, "error", runErr)
		}
	}
	job.ReleaseClaim()

	if !persist {
		return success, nil
	}
	return success, e.commit(context.WithoutCancel(ctx), job, claimedBy, next)
}

// run decodes the payload and dispatches its hooks under a per-attempt
// cancellation token registered in the pending set.
func (e *Executor) run(ctx context.Context, job *models.Job, terminal bool) (bool, error) {
	payload, err := e.codec.Decode(job.Handler)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "decode handler"), ErrMissingHandler)
	}
	caps := CapabilitiesOf(payload)
	if !caps.Has(CanPerform) {
		return false, errors.Wrapf(ErrMissingHandler, "%T has no Perform", payload)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	x := &execution{
		job:     job,
		payload: payload,
		caps:    caps,
		started: e.now(),
		cancel:  cancel,
	}
	e.pending.add(x)
	defer e.pending.remove(x)
	if e.halting.Load() {
		x.halt(true, e.logger)
		x.abort()
	}

	success, err := e.dispatch(attemptCtx, x, terminal)
	switch {
	case success:
		return true, nil
	case x.cancelled.Load() || attemptCtx.Err() != nil:
		return false, ErrCancelled
	case err != nil:
		return false, err
	default:
		return false, ErrPerformFailed
	}
}

// nextInSeries builds the job continuing job's recurrence, or nil.
func (e *Executor) nextInSeries(job *models.Job) *models.Job {
	if job.Recurrence == nil {
		return nil
	}
	runAt, rule, err := job.Recurrence.Advance()
	if err != nil {
		if !errors.Is(err, recurrence.ErrSeriesExhausted) {
			e.logger.Warnw("cannot advance recurrence", "job_id", job.ID, "error", err)
		}
		return nil
	}
	return job.NextInSeries(runAt, rule)
}

// commit writes an attempt's outcome together with the next occurrence,
// if any, as long as claimedBy still holds the job.
func (e *Executor) commit(ctx context.Context, job *models.Job, claimedBy *string, next *models.Job) error {
	remove := job.SucceededAt != nil && e.settings.DeleteSuccessfulJobs ||
		job.FailedAt != nil && e.settings.DeleteFailedJobs
	out := Outcome{Job: job, ClaimedBy: claimedBy, Remove: remove, Next: next}
	if err := e.repo.Complete(ctx, out); err != nil {
		if errors.Is(err, models.ErrLeaseLost) {
			telemetry.LeasesLost.Inc()
			e.logger.Warnw("outcome discarded, job was taken over or finished elsewhere",
				"job_id", job.ID, "attempts", job.Attempts)
			return err
		}
		telemetry.RepositoryErrors.Inc()
		return errors.Wrapf(err, "record outcome of job %d", job.ID)
	}
	if next != nil {
		telemetry.RecurrencesSpawned.Inc()
		e.logger.Infow("scheduled next occurrence", "job_id", job.ID, "next_job_id", next.ID, "run_at", next.RunAt)
	}
	return nil
}
