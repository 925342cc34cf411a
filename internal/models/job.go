package models

import (
	"time"

	"github.com/cockroachdb/errors"

	"distributed-job-scheduler/internal/recurrence"
)

var (
	// ErrJobNotFound is returned by repositories when no record matches an id.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when an outcome is written for a job that is
	// already terminal or now claimed by someone else.
	ErrLeaseLost = errors.New("job claim lost")
)

// Job is a persisted unit of deferred work and its execution bookkeeping.
//
// A job is available while both terminal markers are unset and it is not
// claimed, or its claim is older than the lease. Once FailedAt or
// SucceededAt is set the record is only ever deleted.
type Job struct {
	ID          int64            `json:"id"`
	Priority    int              `json:"priority"`
	Attempts    int              `json:"attempts"`
	Handler     []byte           `json:"handler"`
	LastError   *string          `json:"last_error,omitempty"`
	RunAt       *time.Time       `json:"run_at,omitempty"`
	FailedAt    *time.Time       `json:"failed_at,omitempty"`
	SucceededAt *time.Time       `json:"succeeded_at,omitempty"`
	LockedAt    *time.Time       `json:"locked_at,omitempty"`
	LockedBy    *string          `json:"locked_by,omitempty"`
	BatchID     *int64           `json:"batch_id,omitempty"`
	Recurrence  *recurrence.Rule `json:"recurrence,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IsTerminal reports whether the job has succeeded or failed for good.
func (j *Job) IsTerminal() bool {
	return j.FailedAt != nil || j.SucceededAt != nil
}

// IsClaimed reports whether claim markers are present, stale or not.
func (j *Job) IsClaimed() bool {
	return j.LockedAt != nil || j.LockedBy != nil
}

// IsDue reports whether the job may run at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.RunAt == nil || !j.RunAt.After(now)
}

// IsAvailable reports whether a claim at now may pick this job. Claims
// taken before staleBefore are treated as expired leases.
func (j *Job) IsAvailable(now, staleBefore time.Time) bool {
	if j.IsTerminal() || j.BatchID != nil || !j.IsDue(now) {
		return false
	}
	if j.LockedAt == nil {
		return j.LockedBy == nil
	}
	return j.LockedAt.Before(staleBefore)
}

// Claim sets the claim markers.
func (j *Job) Claim(claimant string, at time.Time) {
	j.LockedBy = &claimant
	j.LockedAt = &at
}

// HeldBy reports whether the claim markers name claimant. A nil claimant
// matches an unclaimed job.
func (j *Job) HeldBy(claimant *string) bool {
	return SameClaimant(j.LockedBy, claimant)
}

// SameClaimant compares two optional claimant names.
func SameClaimant(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ReleaseClaim clears the claim markers.
func (j *Job) ReleaseClaim() {
	j.LockedBy = nil
	j.LockedAt = nil
}

// SetLastError records err's message, or clears it when err is nil.
func (j *Job) SetLastError(err error) {
	if err == nil {
		j.LastError = nil
		return
	}
	msg := err.Error()
	j.LastError = &msg
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Handler = append([]byte(nil), j.Handler...)
	out.LastError = cloneString(j.LastError)
	out.LockedBy = cloneString(j.LockedBy)
	out.RunAt = cloneTime(j.RunAt)
	out.FailedAt = cloneTime(j.FailedAt)
	out.SucceededAt = cloneTime(j.SucceededAt)
	out.LockedAt = cloneTime(j.LockedAt)
	if j.BatchID != nil {
		id := *j.BatchID
		out.BatchID = &id
	}
	out.Recurrence = j.Recurrence.Clone()
	return &out
}

// NextInSeries builds the unsaved job that continues a recurring series at
// runAt with rule. Execution bookkeeping starts fresh.
func (j *Job) NextInSeries(runAt time.Time, rule *recurrence.Rule) *Job {
	return &Job{
		Priority:   j.Priority,
		Handler:    append([]byte(nil), j.Handler...),
		RunAt:      &runAt,
		Recurrence: rule,
	}
}

// Batch groups jobs submitted together under one label and priority.
type Batch struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	JobIDs    []int64   `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
