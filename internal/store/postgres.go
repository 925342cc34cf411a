// Package store implements the scheduler's Repository on Postgres and in
// memory.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/recurrence"
	"distributed-job-scheduler/internal/scheduler"
)

var _ scheduler.Repository = (*Store)(nil)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{pool: pool, logger: logger.Named("store")}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `
	j.id, j.priority, j.attempts, j.handler, j.last_error, j.run_at, j.failed_at,
	j.succeeded_at, j.locked_at, j.locked_by, j.batch_id, j.created_at, j.updated_at,
	r.frequency, r.quantity, r.end_frequency, r.end_quantity, r.start_at,
	r.exclude_weekends, r.until_at`

const jobFrom = `FROM jobs j LEFT JOIN recurrences r ON r.job_id = j.id`

// Save upserts job and its recurrence in one transaction.
func (s *Store) Save(ctx context.Context, job *models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := saveJob(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// Complete locks the job row, checks it is still held by the attempt's
// claimant and not terminal, then writes the next occurrence and the
// outcome in the same transaction.
func (s *Store) Complete(ctx context.Context, out scheduler.Outcome) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	job := out.Job
	if job.ID != 0 {
		var lockedBy pgtype.Text
		var terminal bool
		err := tx.QueryRow(ctx, `
			SELECT locked_by, (succeeded_at IS NOT NULL OR failed_at IS NOT NULL)
			FROM jobs WHERE id = $1 FOR UPDATE
		`, job.ID).Scan(&lockedBy, &terminal)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(models.ErrJobNotFound, "job %d", job.ID)
		}
		if err != nil {
			return errors.Wrapf(err, "lock job %d", job.ID)
		}
		if terminal || !models.SameClaimant(textPtr(lockedBy), out.ClaimedBy) {
			return errors.Wrapf(models.ErrLeaseLost, "job %d", job.ID)
		}
	}

	if out.Next != nil {
		if err := saveJob(ctx, tx, out.Next); err != nil {
			return errors.Wrap(err, "next occurrence")
		}
	}
	switch {
	case !out.Remove:
		err = saveJob(ctx, tx, job)
	case job.ID != 0:
		_, err = tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
		err = errors.Wrapf(err, "delete job %d", job.ID)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit outcome")
	}
	return nil
}

func saveJob(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	var err error
	now := time.Now().UTC()
	if job.ID == 0 {
		err = tx.QueryRow(ctx, `
			INSERT INTO jobs (priority, attempts, handler, last_error, run_at, failed_at, succeeded_at,
				locked_at, locked_by, batch_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			RETURNING id, created_at, updated_at
		`, job.Priority, job.Attempts, job.Handler, job.LastError, job.RunAt, job.FailedAt, job.SucceededAt,
			job.LockedAt, job.LockedBy, job.BatchID, now,
		).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	} else {
		err = tx.QueryRow(ctx, `
			INSERT INTO jobs (id, priority, attempts, handler, last_error, run_at, failed_at, succeeded_at,
				locked_at, locked_by, batch_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			ON CONFLICT (id) DO UPDATE SET
				priority = EXCLUDED.priority, attempts = EXCLUDED.attempts, handler = EXCLUDED.handler,
				last_error = EXCLUDED.last_error, run_at = EXCLUDED.run_at, failed_at = EXCLUDED.failed_at,
				succeeded_at = EXCLUDED.succeeded_at, locked_at = EXCLUDED.locked_at,
				locked_by = EXCLUDED.locked_by, batch_id = EXCLUDED.batch_id, updated_at = EXCLUDED.updated_at
			RETURNING created_at, updated_at
		`, job.ID, job.Priority, job.Attempts, job.Handler, job.LastError, job.RunAt, job.FailedAt, job.SucceededAt,
			job.LockedAt, job.LockedBy, job.BatchID, now,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
	}
	if err != nil {
		return errors.Wrapf(err, "upsert job %d", job.ID)
	}
	return saveRecurrence(ctx, tx, job)
}

func saveRecurrence(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	rule := job.Recurrence
	if rule == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM recurrences WHERE job_id = $1`, job.ID); err != nil {
			return errors.Wrapf(err, "delete recurrence of job %d", job.ID)
		}
		return nil
	}
	var endFreq pgtype.Text
	var endQty pgtype.Int4
	if rule.End != nil {
		endFreq = pgtype.Text{String: rule.End.Frequency.String(), Valid: true}
		endQty = pgtype.Int4{Int32: int32(rule.End.Quantity), Valid: true}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO recurrences (job_id, frequency, quantity, end_frequency, end_quantity, start_at, exclude_weekends, until_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			frequency = EXCLUDED.frequency, quantity = EXCLUDED.quantity,
			end_frequency = EXCLUDED.end_frequency, end_quantity = EXCLUDED.end_quantity,
			start_at = EXCLUDED.start_at, exclude_weekends = EXCLUDED.exclude_weekends,
			until_at = EXCLUDED.until_at
	`, job.ID, rule.Period.Frequency.String(), rule.Period.Quantity, endFreq, endQty, rule.Start, rule.ExcludeWeekends, rule.Until)
	if err != nil {
		return errors.Wrapf(err, "upsert recurrence of job %d", job.ID)
	}
	return nil
}

// Load fetches a job with its recurrence.
func (s *Store) Load(ctx context.Context, id int64) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` `+jobFrom+` WHERE j.id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrJobNotFound, "job %d", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes the job; its recurrence goes with it by cascade.
func (s *Store) Delete(ctx context.Context, job *models.Job) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
	if err != nil {
		return errors.Wrapf(err, "delete job %d", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrJobNotFound, "job %d", job.ID)
	}
	return nil
}

// ClaimNextAvailable locks candidate rows with FOR UPDATE SKIP LOCKED and
// stamps the claim in the same statement, so concurrent workers on other
// hosts never receive the same job.
func (s *Store) ClaimNextAvailable(ctx context.Context, req scheduler.ClaimRequest) ([]*models.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE failed_at IS NULL AND succeeded_at IS NULL AND batch_id IS NULL
				AND (run_at IS NULL OR run_at <= $1)
				AND (locked_at IS NULL OR locked_at < $2)
			ORDER BY priority ASC, run_at ASC NULLS FIRST, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET locked_at = $1, locked_by = $4, updated_at = $1
		FROM next WHERE jobs.id = next.id
		RETURNING jobs.id
	`, req.Now, req.StaleBefore, req.Limit, req.Claimant)
	if err != nil {
		return nil, errors.Wrap(err, "claim jobs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, "collect claimed ids")
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	jobs, err := queryJobs(ctx, tx, `SELECT `+jobColumns+` `+jobFrom+`
		WHERE j.id = ANY($1)
		ORDER BY j.priority ASC, j.run_at ASC NULLS FIRST, j.id ASC`, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return jobs, nil
}

// ListAll returns every unbatched job by id.
func (s *Store) ListAll(ctx context.Context) ([]*models.Job, error) {
	return queryJobs(ctx, s.pool, `SELECT `+jobColumns+` `+jobFrom+` WHERE j.batch_id IS NULL ORDER BY j.id`)
}

// CreateBatch inserts the batch and its jobs atomically.
func (s *Store) CreateBatch(ctx context.Context, name string, priority int, jobs []*models.Job) (*models.Batch, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	batch := &models.Batch{Name: name, Priority: priority}
	if err := tx.QueryRow(ctx, `
		INSERT INTO batches (name, priority) VALUES ($1, $2) RETURNING id, created_at
	`, name, priority).Scan(&batch.ID, &batch.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "insert batch")
	}
	for _, job := range jobs {
		job.Priority = priority
		job.BatchID = &batch.ID
		if err := tx.QueryRow(ctx, `
			INSERT INTO jobs (priority, attempts, handler, run_at, batch_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`, job.Priority, job.Attempts, job.Handler, job.RunAt, job.BatchID).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "insert batch job")
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit batch")
	}
	return batch, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryJobs(ctx context.Context, q querier, sql string, args ...any) ([]*models.Job, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return out, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job               models.Job
		lastErr, lockedBy pgtype.Text
		batchID           pgtype.Int8
		freq, endFreq     pgtype.Text
		qty, endQty       pgtype.Int4
		startAt, untilAt  pgtype.Timestamptz
		excludeWeekends   pgtype.Bool
	)
	err := row.Scan(
		&job.ID, &job.Priority, &job.Attempts, &job.Handler, &lastErr, &job.RunAt, &job.FailedAt,
		&job.SucceededAt, &job.LockedAt, &lockedBy, &batchID, &job.CreatedAt, &job.UpdatedAt,
		&freq, &qty, &endFreq, &endQty, &startAt, &excludeWeekends, &untilAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	job.LastError = textPtr(lastErr)
	job.LockedBy = textPtr(lockedBy)
	if batchID.Valid {
		id := batchID.Int64
		job.BatchID = &id
	}
	if freq.Valid {
		rule, err := ruleFromColumns(freq, qty, endFreq, endQty, startAt, excludeWeekends, untilAt)
		if err != nil {
			return nil, errors.Wrapf(err, "job %d recurrence", job.ID)
		}
		job.Recurrence = rule
	}
	return &job, nil
}

func ruleFromColumns(freq pgtype.Text, qty pgtype.Int4, endFreq pgtype.Text, endQty pgtype.Int4,
	startAt pgtype.Timestamptz, excludeWeekends pgtype.Bool, untilAt pgtype.Timestamptz) (*recurrence.Rule, error) {
	f, err := recurrence.ParseFrequency(freq.String)
	if err != nil {
		return nil, err
	}
	rule := &recurrence.Rule{
		Period:          recurrence.Period{Frequency: f, Quantity: int(qty.Int32)},
		Start:           startAt.Time,
		ExcludeWeekends: excludeWeekends.Bool,
	}
	if endFreq.Valid {
		ef, err := recurrence.ParseFrequency(endFreq.String)
		if err != nil {
			return nil, err
		}
		rule.End = &recurrence.Period{Frequency: ef, Quantity: int(endQty.Int32)}
	}
	if untilAt.Valid {
		until := untilAt.Time
		rule.Until = &until
	}
	return rule, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
