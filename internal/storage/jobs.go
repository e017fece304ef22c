package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"webp-optimizer/internal/models"
)

const jobColumns = `id, shop, mode, image_id, status, total_images, processed_count, error_count,
	skipped_count, total_saved, current_image, cancelled, error_message, created_at, updated_at, started_at, finished_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Shop, &j.Mode, &j.ImageID, &j.Status, &j.TotalImages, &j.ProcessedCount,
		&j.ErrorCount, &j.SkippedCount, &j.TotalSaved, &j.CurrentImage, &j.Cancelled, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a running job unless the shop already has one, in which
// case models.ErrJobRunning is returned. ID and timestamps are filled in.
func (s *Storage) CreateJob(ctx context.Context, job *models.Job) error {
	const op = "storage.CreateJob"

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.JobRunning

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO optimization_jobs (id, shop, mode, image_id, status, total_images)
		 VALUES ($1, $2, $3, $4, 'running', $5)
		 ON CONFLICT DO NOTHING
		 RETURNING created_at, updated_at`,
		job.ID, job.Shop, job.Mode, job.ImageID, job.TotalImages).Scan(&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %s: %w", op, job.Shop, models.ErrJobRunning)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetJob returns a job of the shop by id.
func (s *Storage) GetJob(ctx context.Context, shop, id string) (*models.Job, error) {
	const op = "storage.GetJob"

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM optimization_jobs WHERE shop = $1 AND id = $2`, shop, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// LatestJob returns the most recently created job of the shop.
func (s *Storage) LatestJob(ctx context.Context, shop string) (*models.Job, error) {
	const op = "storage.LatestJob"

	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM optimization_jobs WHERE shop = $1 ORDER BY created_at DESC LIMIT 1`, shop))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// UpdateJob persists progress and status of a running job. The cancelled
// flag is owned by CancelJob and is never written here, and started_at is
// only set once. A job that already reached a terminal status is left alone
// and models.ErrInvalidTransition is returned.
func (s *Storage) UpdateJob(ctx context.Context, job *models.Job) error {
	const op = "storage.UpdateJob"

	res, err := s.db.ExecContext(ctx,
		`UPDATE optimization_jobs SET
			status = $3, total_images = $4, processed_count = $5, error_count = $6,
			skipped_count = $7, total_saved = $8, current_image = $9, error_message = $10,
			finished_at = $11, started_at = COALESCE(started_at, $12), updated_at = now()
		 WHERE shop = $1 AND id = $2 AND status = 'running'`,
		job.Shop, job.ID, job.Status, job.TotalImages, job.ProcessedCount, job.ErrorCount,
		job.SkippedCount, job.TotalSaved, job.CurrentImage, job.ErrorMessage, job.FinishedAt, job.StartedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: job %s is not running: %w", op, job.ID, models.ErrInvalidTransition)
	}
	return nil
}

// CancelJob sets the cancelled flag of a running job and returns the job.
// Cancelling a finished job is a no-op.
func (s *Storage) CancelJob(ctx context.Context, shop, id string) (*models.Job, error) {
	const op = "storage.CancelJob"

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE optimization_jobs SET cancelled = TRUE, updated_at = now()
		 WHERE shop = $1 AND id = $2 AND status = 'running'`,
		shop, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.GetJob(ctx, shop, id)
}

// ReapStaleJobs fails started jobs not updated since cutoff, freeing the
// shop's job slot after a worker crash. Jobs still waiting in the queue have
// no started_at and are never reaped.
func (s *Storage) ReapStaleJobs(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	const op = "storage.ReapStaleJobs"

	res, err := s.db.ExecContext(ctx,
		`UPDATE optimization_jobs SET
			status = 'failed', current_image = NULL, error_message = $2,
			finished_at = now(), updated_at = now()
		 WHERE status = 'running' AND started_at IS NOT NULL AND updated_at < $1`,
		cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
