package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/recurrence"
	"distributed-job-scheduler/internal/telemetry"
)

type jobOptions struct {
	priority int
	runAt    *time.Time
	delay    time.Duration
	rule     *recurrence.Rule
}

// JobOption adjusts a job built by Enqueue.
type JobOption func(*jobOptions)

// WithPriority overrides the default priority. Lower runs first.
func WithPriority(p int) JobOption {
	return func(o *jobOptions) { o.priority = p }
}

// RunAt schedules the first attempt no earlier than t.
func RunAt(t time.Time) JobOption {
	return func(o *jobOptions) { o.runAt = &t }
}

// After schedules the first attempt d from now.
func After(d time.Duration) JobOption {
	return func(o *jobOptions) { o.delay = d }
}

// Recurring attaches rule. The job is cloned at each success to run at
// the rule's next occurrence.
func Recurring(rule *recurrence.Rule) JobOption {
	return func(o *jobOptions) { o.rule = rule }
}

// NewJob encodes payload into an unsaved job.
//
// A recurring job without RunAt runs first at the rule's first occurrence.
// A rule without a start is anchored at the job's run time, or now.
func (e *Executor) NewJob(payload any, opts ...JobOption) (*models.Job, error) {
	if !CapabilitiesOf(payload).Has(CanPerform) {
		return nil, errors.Wrapf(ErrMissingHandler, "%T has no Perform", payload)
	}
	o := jobOptions{priority: e.settings.Priority}
	for _, opt := range opts {
		opt(&o)
	}
	data, err := e.codec.Encode(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode handler")
	}

	job := &models.Job{Priority: o.priority, Handler: data}
	switch {
	case o.runAt != nil:
		job.RunAt = o.runAt
	case o.delay > 0:
		at := e.now().Add(o.delay)
		job.RunAt = &at
	}

	if o.rule != nil {
		rule := o.rule.Clone()
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if rule.Start.IsZero() {
			rule.Start = e.now()
			if job.RunAt != nil {
				rule.Start = *job.RunAt
			}
		}
		if job.RunAt == nil {
			first, err := rule.FirstOccurrence()
			if err != nil {
				return nil, errors.Wrap(err, "first occurrence")
			}
			job.RunAt = &first
		}
		job.Recurrence = rule
	}
	return job, nil
}

// Enqueue builds a job for payload and submits it.
func (e *Executor) Enqueue(ctx context.Context, payload any, opts ...JobOption) (*models.Job, error) {
	job, err := e.NewJob(payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Submit(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Submit persists job for the poll loop, or in immediate mode runs one
// attempt inline without persisting. The inline outcome is left on job.
func (e *Executor) Submit(ctx context.Context, job *models.Job) error {
	if e.settings.Immediate {
		_, err := e.Attempt(ctx, job, false)
		return err
	}
	if e.repo == nil {
		return ErrNoRepository
	}
	if err := e.repo.Save(ctx, job); err != nil {
		telemetry.RepositoryErrors.Inc()
		return errors.Wrap(err, "save job")
	}
	telemetry.JobsEnqueued.Inc()
	e.logger.Debugw("job enqueued", "job_id", job.ID, "priority", job.Priority, "run_at", job.RunAt)
	return nil
}

// EnqueueBatch saves payloads as one batch at priority. Batched jobs are
// grouped for bookkeeping and are never claimed by the poll loop.
func (e *Executor) EnqueueBatch(ctx context.Context, name string, priority int, payloads ...any) (*models.Batch, error) {
	if e.repo == nil {
		return nil, ErrNoRepository
	}
	jobs := make([]*models.Job, 0, len(payloads))
	for i, p := range payloads {
		job, err := e.NewJob(p, WithPriority(priority))
		if err != nil {
			return nil, errors.Wrapf(err, "batch item %d", i)
		}
		jobs = append(jobs, job)
	}
	batch, err := e.repo.CreateBatch(ctx, name, priority, jobs)
	if err != nil {
		telemetry.RepositoryErrors.Inc()
		return nil, errors.Wrap(err, "create batch")
	}
	telemetry.JobsEnqueued.Add(float64(len(jobs)))
	return batch, nil
}
