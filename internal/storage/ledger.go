package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"webp-optimizer/internal/models"
)

const imageColumns = `id, shop, image_id, product_id, original_url, original_gid, original_alt,
	webp_url, webp_gid, backup_url, file_size, webp_file_size, status, alt_text_updated,
	error_message, created_at, updated_at`

func scanImage(row rowScanner) (*models.ImageRecord, error) {
	var r models.ImageRecord
	err := row.Scan(&r.ID, &r.Shop, &r.ImageID, &r.ProductID, &r.OriginalURL, &r.OriginalGID, &r.OriginalAlt,
		&r.WebPURL, &r.WebPGID, &r.BackupURL, &r.FileSize, &r.WebPFileSize, &r.Status, &r.AltTextUpdated,
		&r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetImage returns the ledger record for (shop, imageID).
func (s *Storage) GetImage(ctx context.Context, shop, imageID string) (*models.ImageRecord, error) {
	const op = "storage.GetImage"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM image_optimizations WHERE shop = $1 AND image_id = $2`,
		shop, imageID)
	rec, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// LookupImage finds the record a product media id belongs to: either the
// original image id or the WebP media that replaced it.
func (s *Storage) LookupImage(ctx context.Context, shop, mediaID string) (*models.ImageRecord, error) {
	const op = "storage.LookupImage"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM image_optimizations
		 WHERE shop = $1 AND (image_id = $2 OR webp_gid = $2)
		 ORDER BY (image_id = $2) DESC, updated_at DESC
		 LIMIT 1`,
		shop, mediaID)
	rec, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// MarkProcessing inserts the record or moves an existing pending, failed or
// processing record back to processing, clearing any previous result.
func (s *Storage) MarkProcessing(ctx context.Context, rec *models.ImageRecord) error {
	const op = "storage.MarkProcessing"

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO image_optimizations (id, shop, image_id, product_id, original_url, original_gid, original_alt, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'processing')
		 ON CONFLICT (shop, image_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			original_url = EXCLUDED.original_url,
			original_gid = EXCLUDED.original_gid,
			original_alt = EXCLUDED.original_alt,
			status = 'processing',
			webp_url = NULL,
			webp_gid = NULL,
			file_size = NULL,
			webp_file_size = NULL,
			error_message = NULL,
			updated_at = now()
		 WHERE image_optimizations.status IN ('pending', 'processing', 'failed')`,
		id, rec.Shop, rec.ImageID, rec.ProductID, rec.OriginalURL, rec.OriginalGID, rec.OriginalAlt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res, rec.ImageID, models.StatusProcessing)
}

// MarkCompleted records a successful swap. Only processing records move.
func (s *Storage) MarkCompleted(ctx context.Context, shop, imageID string, c models.CompletedImage) error {
	const op = "storage.MarkCompleted"

	res, err := s.db.ExecContext(ctx,
		`UPDATE image_optimizations SET
			status = 'completed', webp_url = $3, webp_gid = $4, backup_url = $5,
			file_size = $6, webp_file_size = $7, alt_text_updated = $8,
			error_message = NULL, updated_at = now()
		 WHERE shop = $1 AND image_id = $2 AND status = 'processing'`,
		shop, imageID, c.WebPURL, c.WebPGID, c.BackupURL, c.FileSize, c.WebPFileSize, c.AltTextUpdated)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res, imageID, models.StatusCompleted)
}

// SetBackup records where the original of a processing record was backed up,
// so the backup outlives a failure later in the swap.
func (s *Storage) SetBackup(ctx context.Context, shop, imageID, backupURL string) error {
	const op = "storage.SetBackup"

	res, err := s.db.ExecContext(ctx,
		`UPDATE image_optimizations SET backup_url = $3, updated_at = now()
		 WHERE shop = $1 AND image_id = $2 AND status = 'processing'`,
		shop, imageID, backupURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res, imageID, models.StatusProcessing)
}

// MarkFailed records an item failure. Only processing records move; the
// backup url is kept.
func (s *Storage) MarkFailed(ctx context.Context, shop, imageID, message string) error {
	const op = "storage.MarkFailed"

	res, err := s.db.ExecContext(ctx,
		`UPDATE image_optimizations SET
			status = 'failed', webp_url = NULL, webp_gid = NULL,
			file_size = NULL, webp_file_size = NULL,
			error_message = $3, updated_at = now()
		 WHERE shop = $1 AND image_id = $2 AND status = 'processing'`,
		shop, imageID, message)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res, imageID, models.StatusFailed)
}

// MarkReverted records that the original is back on the product as mediaID.
func (s *Storage) MarkReverted(ctx context.Context, shop, imageID, mediaID string) error {
	const op = "storage.MarkReverted"

	res, err := s.db.ExecContext(ctx,
		`UPDATE image_optimizations SET
			status = 'reverted', original_gid = $3, alt_text_updated = FALSE, updated_at = now()
		 WHERE shop = $1 AND image_id = $2 AND status = 'completed'`,
		shop, imageID, mediaID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res, imageID, models.StatusReverted)
}

// MarkRestored records that a missing original was attached again as mediaID.
func (s *Storage) MarkRestored(ctx context.Context, shop, imageID, mediaID string) error {
	const op = "storage.MarkRestored"

	res, err := s.db.ExecContext(ctx,
		`UPDATE image_optimizations SET
			status = 'restored', original_gid = $3, updated_at = now()
		 WHERE shop = $1 AND image_id = $2 AND status = 'reverted'`,
		shop, imageID, mediaID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(op, res, imageID, models.StatusRestored)
}

// SetAltTextUpdated flags a completed record whose alt text came from the template.
func (s *Storage) SetAltTextUpdated(ctx context.Context, shop, imageID string) error {
	const op = "storage.SetAltTextUpdated"

	_, err := s.db.ExecContext(ctx,
		`UPDATE image_optimizations SET alt_text_updated = TRUE, updated_at = now()
		 WHERE shop = $1 AND image_id = $2 AND status = 'completed'`,
		shop, imageID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListImages returns the shop's records with the given status, oldest first.
func (s *Storage) ListImages(ctx context.Context, shop string, status models.ImageStatus) ([]models.ImageRecord, error) {
	const op = "storage.ListImages"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM image_optimizations
		 WHERE shop = $1 AND status = $2
		 ORDER BY created_at, image_id`,
		shop, status)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Stats counts the shop's records by status and sums the bytes saved by completed ones.
func (s *Storage) Stats(ctx context.Context, shop string) (*models.Stats, error) {
	const op = "storage.Stats"

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*),
			COALESCE(SUM(file_size - webp_file_size) FILTER (WHERE status = 'completed'), 0)
		 FROM image_optimizations
		 WHERE shop = $1
		 GROUP BY status`,
		shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	stats := &models.Stats{Counts: make(map[models.ImageStatus]int, len(models.ImageStatuses))}
	for _, st := range models.ImageStatuses {
		stats.Counts[st] = 0
	}
	for rows.Next() {
		var (
			status models.ImageStatus
			count  int
			saved  int64
		)
		if err := rows.Scan(&status, &count, &saved); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		stats.Counts[status] = count
		stats.Total += count
		stats.BytesSaved += saved
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

func expectOne(op string, res sql.Result, imageID string, to models.ImageStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s -> %s: %w", op, imageID, to, models.ErrInvalidTransition)
	}
	return nil
}
