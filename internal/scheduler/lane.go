package scheduler

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/telemetry"
)

// lane feeds the jobs of one priority, in claim order, into the shared
// concurrency budget. Lanes wait for slots in FIFO order, so a busy
// priority cannot starve the others.
type lane struct {
	priority int
	label    string
	jobs     chan *models.Job
}

// laneFor returns the lane for priority, starting it on first use.
func (e *Executor) laneFor(priority int) *lane {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.lanes[priority]; ok {
		return l
	}
	l := &lane{
		priority: priority,
		label:    strconv.Itoa(priority),
		jobs:     make(chan *models.Job, e.settings.ReadAhead*e.settings.Concurrency),
	}
	e.lanes[priority] = l
	telemetry.Lanes.Inc()
	e.workers.Add(1)
	go e.feed(e.runCtx, l)
	return l
}

// feed takes a slot for each job before running it. The lane's own
// goroutine only waits; attempts run on their own goroutines.
func (e *Executor) feed(ctx context.Context, l *lane) {
	defer e.workers.Done()
	for job := range l.jobs {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			e.releaseClaim(ctx, job)
			continue
		}
		e.workers.Add(1)
		go func(job *models.Job) {
			defer e.workers.Done()
			defer e.slots.Release(1)
			e.attemptOnLane(ctx, l, job)
		}(job)
	}
}

func (e *Executor) attemptOnLane(ctx context.Context, l *lane, job *models.Job) {
	telemetry.LaneInFlight.WithLabelValues(l.label).Inc()
	defer telemetry.LaneInFlight.WithLabelValues(l.label).Dec()
	_, err := e.Attempt(ctx, job, true)
	if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, models.ErrLeaseLost) {
		e.logger.Errorw("attempt outcome not recorded", "job_id", job.ID, "priority", l.priority, "error", err)
	}
}

// closeLanes stops accepting work. Buffered jobs still go through Attempt,
// which releases them once a stop was requested.
func (e *Executor) closeLanes() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.lanes {
		close(l.jobs)
	}
	e.lanes = make(map[int]*lane)
}
