// Package models holds the records shared by storage, the optimizer and the HTTP layer.
package models

import (
	"time"
)

// ImageStatus is the ledger state of one product image.
type ImageStatus string

const (
	StatusPending    ImageStatus = "pending"
	StatusProcessing ImageStatus = "processing"
	StatusCompleted  ImageStatus = "completed"
	StatusFailed     ImageStatus = "failed"
	StatusReverted   ImageStatus = "reverted"
	StatusRestored   ImageStatus = "restored"
)

// ImageStatuses lists every ledger state in display order.
var ImageStatuses = []ImageStatus{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusReverted, StatusRestored,
}

var imageTransitions = map[ImageStatus][]ImageStatus{
	"":               {StatusProcessing},
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
	StatusCompleted:  {StatusReverted},
	StatusReverted:   {StatusRestored},
}

// CanTransition reports whether a ledger record may move from one status to another.
// An empty from status means no record exists yet.
func CanTransition(from, to ImageStatus) bool {
	for _, next := range imageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ImageRecord is the per-image optimization ledger entry, unique per (Shop, ImageID).
type ImageRecord struct {
	ID             string      `db:"id" json:"id"`
	Shop           string      `db:"shop" json:"shop"`
	ImageID        string      `db:"image_id" json:"imageId"`
	ProductID      string      `db:"product_id" json:"productId"`
	OriginalURL    string      `db:"original_url" json:"originalUrl"`
	OriginalGID    string      `db:"original_gid" json:"originalGid"`
	OriginalAlt    string      `db:"original_alt" json:"originalAlt"`
	WebPURL        *string     `db:"webp_url" json:"webpUrl,omitempty"`
	WebPGID        *string     `db:"webp_gid" json:"webpGid,omitempty"`
	BackupURL      *string     `db:"backup_url" json:"backupUrl,omitempty"`
	FileSize       *int64      `db:"file_size" json:"fileSize,omitempty"`
	WebPFileSize   *int64      `db:"webp_file_size" json:"webpFileSize,omitempty"`
	Status         ImageStatus `db:"status" json:"status"` // pending, processing, completed, failed, reverted, restored
	AltTextUpdated bool        `db:"alt_text_updated" json:"altTextUpdated"`
	ErrorMessage   *string     `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updatedAt"`
}

// Saved returns the bytes saved by the WebP copy, or zero when sizes are unknown.
func (r *ImageRecord) Saved() int64 {
	if r.FileSize == nil || r.WebPFileSize == nil {
		return 0
	}
	return *r.FileSize - *r.WebPFileSize
}

// RestoreSource is the URL used to re-create the original media: the backup when present.
func (r *ImageRecord) RestoreSource() string {
	if r.BackupURL != nil && *r.BackupURL != "" {
		return *r.BackupURL
	}
	return r.OriginalURL
}

// CompletedImage carries the fields written when an image reaches completed.
type CompletedImage struct {
	WebPURL        string
	WebPGID        string
	BackupURL      string
	FileSize       int64
	WebPFileSize   int64
	AltTextUpdated bool
}

// JobStatus is the lifecycle of one optimization run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// JobMode selects how the candidate set is computed.
type JobMode string

const (
	ModeBulk   JobMode = "bulk"
	ModeSingle JobMode = "single"
)

// Job is the per-run progress record polled by the admin UI.
type Job struct {
	ID             string     `db:"id" json:"id"`
	Shop           string     `db:"shop" json:"shop"`
	Mode           JobMode    `db:"mode" json:"mode"`
	ImageID        *string    `db:"image_id" json:"imageId,omitempty"`
	Status         JobStatus  `db:"status" json:"status"`
	TotalImages    int        `db:"total_images" json:"totalImages"`
	ProcessedCount int        `db:"processed_count" json:"processedCount"`
	ErrorCount     int        `db:"error_count" json:"errorCount"`
	SkippedCount   int        `db:"skipped_count" json:"skippedCount"`
	TotalSaved     int64      `db:"total_saved" json:"totalSaved"`
	CurrentImage   *string    `db:"current_image" json:"currentImage"`
	Cancelled      bool       `db:"cancelled" json:"cancelled"`
	ErrorMessage   *string    `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
	StartedAt      *time.Time `db:"started_at" json:"startedAt,omitempty"` // set once a worker picks the job up
	FinishedAt     *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	return j.Status != JobRunning
}

// Handled is the number of candidates the job has accounted for so far.
func (j *Job) Handled() int {
	return j.ProcessedCount + j.ErrorCount + j.SkippedCount
}

// SeoSettings holds the per-shop alt text and filename templates.
type SeoSettings struct {
	Shop                string    `db:"shop" json:"shop"`
	AltTextTemplate     string    `db:"alt_text_template" json:"altTextTemplate"`
	FileNameTemplate    string    `db:"file_name_template" json:"fileNameTemplate"`
	AutoApplyOnOptimize bool      `db:"auto_apply_on_optimize" json:"autoApplyOnOptimize"`
	CreatedAt           time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time `db:"updated_at" json:"updatedAt"`
}

const (
	DefaultAltTextTemplate  = "#product_name# - #vendor#"
	DefaultFileNameTemplate = "#product_name#-#image_number#"
)

// DefaultSeoSettings returns the settings created lazily on first read.
func DefaultSeoSettings(shop string) SeoSettings {
	return SeoSettings{
		Shop:             shop,
		AltTextTemplate:  DefaultAltTextTemplate,
		FileNameTemplate: DefaultFileNameTemplate,
	}
}

// Stats is the dashboard summary for one shop.
type Stats struct {
	Counts     map[ImageStatus]int `json:"counts"`
	Total      int                 `json:"total"`
	BytesSaved int64               `json:"bytesSaved"`
}
