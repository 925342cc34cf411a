package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/scheduler"
)

var _ scheduler.Repository = (*Memory)(nil)

// Memory is a process-local Repository for tests, immediate mode and
// single-binary setups. Jobs are copied on the way in and out.
type Memory struct {
	mu          sync.Mutex
	jobs        map[int64]*models.Job
	batches     map[int64]*models.Batch
	nextJobID   int64
	nextBatchID int64
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[int64]*models.Job),
		batches: make(map[int64]*models.Batch),
		now:     time.Now,
	}
}

func (m *Memory) Save(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(job)
	return nil
}

func (m *Memory) saveLocked(job *models.Job) {
	now := m.now().UTC()
	if job.ID == 0 {
		m.nextJobID++
		job.ID = m.nextJobID
	} else if job.ID > m.nextJobID {
		m.nextJobID = job.ID
	}
	if existing, ok := m.jobs[job.ID]; ok {
		job.CreatedAt = existing.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job.Clone()
}

func (m *Memory) Load(_ context.Context, id int64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrJobNotFound, "job %d", id)
	}
	return job.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return errors.Wrapf(models.ErrJobNotFound, "job %d", job.ID)
	}
	delete(m.jobs, job.ID)
	return nil
}

func (m *Memory) Complete(_ context.Context, out scheduler.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := out.Job
	if job.ID != 0 {
		stored, ok := m.jobs[job.ID]
		if !ok {
			return errors.Wrapf(models.ErrJobNotFound, "job %d", job.ID)
		}
		if stored.IsTerminal() || !stored.HeldBy(out.ClaimedBy) {
			return errors.Wrapf(models.ErrLeaseLost, "job %d", job.ID)
		}
	}
	if out.Next != nil {
		m.saveLocked(out.Next)
	}
	switch {
	case !out.Remove:
		m.saveLocked(job)
	case job.ID != 0:
		delete(m.jobs, job.ID)
	}
	return nil
}

// ClaimNextAvailable claims under the store mutex, so claims from several
// executors sharing one Memory never overlap.
func (m *Memory) ClaimNextAvailable(_ context.Context, req scheduler.ClaimRequest) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.Job
	for _, job := range m.jobs {
		if job.IsAvailable(req.Now, req.StaleBefore) {
			candidates = append(candidates, job)
		}
	}
	sortForClaim(candidates)
	if req.Limit >= 0 && len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	out := make([]*models.Job, 0, len(candidates))
	for _, job := range candidates {
		job.Claim(req.Claimant, req.Now)
		job.UpdatedAt = req.Now
		out = append(out, job.Clone())
	}
	return out, nil
}

// sortForClaim orders by priority, then run time with unscheduled first,
// then id.
func sortForClaim(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		switch {
		case a.RunAt == nil && b.RunAt != nil:
			return true
		case a.RunAt != nil && b.RunAt == nil:
			return false
		case a.RunAt != nil && !a.RunAt.Equal(*b.RunAt):
			return a.RunAt.Before(*b.RunAt)
		}
		return a.ID < b.ID
	})
}

func (m *Memory) ListAll(_ context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.BatchID == nil {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateBatch(_ context.Context, name string, priority int, jobs []*models.Job) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatchID++
	batch := &models.Batch{
		ID:        m.nextBatchID,
		Name:      name,
		Priority:  priority,
		CreatedAt: m.now().UTC(),
	}
	for _, job := range jobs {
		id := batch.ID
		job.Priority = priority
		job.BatchID = &id
		m.saveLocked(job)
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}
	m.batches[batch.ID] = batch
	return batch, nil
}

// Batch returns a saved batch.
func (m *Memory) Batch(id int64) (*models.Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, false
	}
	cp := *b
	cp.JobIDs = append([]int64(nil), b.JobIDs...)
	return &cp, true
}

// Len counts every stored job, batched ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
