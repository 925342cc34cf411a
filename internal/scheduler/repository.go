package scheduler

import (
	"context"
	"time"

	"distributed-job-scheduler/internal/models"
)

// Repository is the storage port the executor runs against.
type Repository interface {
	// Save inserts or updates job together with job.Recurrence. On first
	// save it assigns ID and CreatedAt.
	Save(ctx context.Context, job *models.Job) error
	// Load returns the job with its recurrence rule, or models.ErrJobNotFound.
	Load(ctx context.Context, id int64) (*models.Job, error)
	// Delete removes the job and its recurrence rule.
	Delete(ctx context.Context, job *models.Job) error
	// ClaimNextAvailable marks up to req.Limit available, unbatched jobs as
	// claimed by req.Claimant and returns them ordered by priority, then
	// run time.
	ClaimNextAvailable(ctx context.Context, req ClaimRequest) ([]*models.Job, error)
	// ListAll returns every job not grouped into a batch.
	ListAll(ctx context.Context) ([]*models.Job, error)
	// CreateBatch saves jobs under one name and priority.
	CreateBatch(ctx context.Context, name string, priority int, jobs []*models.Job) (*models.Batch, error)
	// Complete writes an attempt's outcome atomically, but only while the
	// stored record is not terminal and is still held by out.ClaimedBy.
	// Otherwise nothing is written and models.ErrLeaseLost is returned.
	Complete(ctx context.Context, out Outcome) error
}

// Outcome is what one persisted attempt writes back.
type Outcome struct {
	Job *models.Job
	// ClaimedBy is the claimant the attempt ran under, nil if the job was
	// attempted without a claim.
	ClaimedBy *string
	// Remove deletes the job instead of saving it.
	Remove bool
	// Next continues a recurring series and is saved in the same write.
	Next *models.Job
}

// ClaimRequest parameterizes a claim.
type ClaimRequest struct {
	Claimant string
	Limit    int
	Now      time.Time
	// Claims taken before StaleBefore are expired leases and may be re-taken.
	StaleBefore time.Time
}

// Codec turns payloads into the bytes stored on a job and back.
type Codec interface {
	Encode(payload any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// ClaimLocker serializes claims. Lock blocks until the critical section is
// held or ctx is done.
type ClaimLocker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}
