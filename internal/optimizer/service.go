// Package optimizer runs optimization jobs over a shop's product images and
// the operations that undo them.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/metrics"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/pipeline"
	"webp-optimizer/internal/shopify"
)

var (
	ErrNotRetryable  = errors.New("only failed images can be retried")
	ErrNoDispatcher  = errors.New("no job dispatcher configured")
	ErrEmptyTemplate = errors.New("alt text template is empty")
)

// Ledger is the per-image optimization record store.
type Ledger interface {
	GetImage(ctx context.Context, shop, imageID string) (*models.ImageRecord, error)
	LookupImage(ctx context.Context, shop, mediaID string) (*models.ImageRecord, error)
	MarkProcessing(ctx context.Context, rec *models.ImageRecord) error
	SetBackup(ctx context.Context, shop, imageID, backupURL string) error
	MarkCompleted(ctx context.Context, shop, imageID string, c models.CompletedImage) error
	MarkFailed(ctx context.Context, shop, imageID, message string) error
	MarkReverted(ctx context.Context, shop, imageID, mediaID string) error
	MarkRestored(ctx context.Context, shop, imageID, mediaID string) error
	SetAltTextUpdated(ctx context.Context, shop, imageID string) error
	ListImages(ctx context.Context, shop string, status models.ImageStatus) ([]models.ImageRecord, error)
	Stats(ctx context.Context, shop string) (*models.Stats, error)
}

// JobStore holds optimization job records.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, shop, id string) (*models.Job, error)
	LatestJob(ctx context.Context, shop string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	CancelJob(ctx context.Context, shop, id string) (*models.Job, error)
	ReapStaleJobs(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// SettingsStore holds per-shop SEO settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, shop string) (*models.SeoSettings, error)
	SaveSettings(ctx context.Context, s models.SeoSettings) (*models.SeoSettings, error)
}

// Store is everything the service persists.
type Store interface {
	Ledger
	JobStore
	SettingsStore
}

// Platform is the shop-scoped product media API.
type Platform interface {
	pipeline.MediaAPI
	Products(ctx context.Context, fn func(shopify.Product) error) error
	Product(ctx context.Context, id string) (*shopify.Product, error)
	UpdateMediaAlt(ctx context.Context, productID, mediaID, alt string) (*shopify.MediaResult, error)
}

// Connector returns the Platform of one shop.
type Connector func(shop string) (Platform, error)

// TaskType tells a worker why a job was created.
type TaskType string

const (
	TaskOptimize TaskType = "optimize"
	TaskRetry    TaskType = "retry"
)

// Task asks a worker to execute a created job.
type Task struct {
	Type    TaskType `json:"type"`
	Shop    string   `json:"shop"`
	JobID   string   `json:"job_id"`
	ImageID string   `json:"image_id,omitempty"`
}

// Dispatcher hands a task to whatever runs jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Service owns the optimization jobs, the ledger operations that undo them
// and the per-shop SEO settings.
type Service struct {
	store      Store
	connect    Connector
	step       *pipeline.Step
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
}

func New(store Store, connect Connector, step *pipeline.Step, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:   store,
		connect: connect,
		step:    step,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// SetDispatcher sets where Start and RetryImage send their tasks.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Start creates a bulk job covering every product image of the shop and
// dispatches it. models.ErrJobRunning is returned while another job runs.
func (s *Service) Start(ctx context.Context, shop string) (*models.Job, error) {
	const op = "optimizer.Start"

	platform, err := s.connect(shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	total := 0
	err = platform.Products(ctx, func(p shopify.Product) error {
		total += len(p.Images)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: list products: %w", op, err)
	}

	job := &models.Job{Shop: shop, Mode: models.ModeBulk, TotalImages: total}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.dispatch(ctx, job, Task{Type: TaskOptimize, Shop: shop, JobID: job.ID}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("optimization job started",
		slog.String("shop", shop), slog.String("job_id", job.ID), slog.Int("total_images", total))
	return job, nil
}

// RetryImage creates a single-image job for a failed ledger record.
func (s *Service) RetryImage(ctx context.Context, shop, imageID string) (*models.Job, error) {
	const op = "optimizer.RetryImage"

	rec, err := s.store.GetImage(ctx, shop, imageID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec.Status != models.StatusFailed {
		return nil, fmt.Errorf("%s: %s is %s: %w", op, imageID, rec.Status, ErrNotRetryable)
	}

	job := &models.Job{Shop: shop, Mode: models.ModeSingle, ImageID: &imageID, TotalImages: 1}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.dispatch(ctx, job, Task{Type: TaskRetry, Shop: shop, JobID: job.ID, ImageID: imageID}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// dispatch sends task; on failure the freshly created job is failed so the
// shop's job slot is released.
func (s *Service) dispatch(ctx context.Context, job *models.Job, task Task) error {
	err := ErrNoDispatcher
	if s.dispatcher != nil {
		err = s.dispatcher.Dispatch(ctx, task)
	}
	if err == nil {
		return nil
	}
	s.fail(context.WithoutCancel(ctx), job, fmt.Errorf("dispatch: %w", err))
	return err
}

// Cancel flags the job; the worker stops at its next item boundary.
func (s *Service) Cancel(ctx context.Context, shop, jobID string) (*models.Job, error) {
	job, err := s.store.CancelJob(ctx, shop, jobID)
	if err != nil {
		return nil, fmt.Errorf("optimizer.Cancel: %w", err)
	}
	s.log.Info("job cancellation requested", slog.String("shop", shop), slog.String("job_id", jobID))
	return job, nil
}

// Job returns a job of the shop by id.
func (s *Service) Job(ctx context.Context, shop, jobID string) (*models.Job, error) {
	return s.store.GetJob(ctx, shop, jobID)
}

// CurrentJob returns the most recent job of the shop, running or not.
func (s *Service) CurrentJob(ctx context.Context, shop string) (*models.Job, error) {
	return s.store.LatestJob(ctx, shop)
}

// Stats returns the shop's ledger counts and bytes saved.
func (s *Service) Stats(ctx context.Context, shop string) (*models.Stats, error) {
	return s.store.Stats(ctx, shop)
}

// Settings returns the shop's SEO settings, defaults when none were saved.
func (s *Service) Settings(ctx context.Context, shop string) (*models.SeoSettings, error) {
	return s.store.GetSettings(ctx, shop)
}

// SaveSettings stores trimmed templates for the shop.
func (s *Service) SaveSettings(ctx context.Context, in models.SeoSettings) (*models.SeoSettings, error) {
	in.AltTextTemplate = strings.TrimSpace(in.AltTextTemplate)
	in.FileNameTemplate = strings.TrimSpace(in.FileNameTemplate)
	return s.store.SaveSettings(ctx, in)
}

// ReapStale fails started jobs that made no progress for staleAfter. Jobs
// still waiting in the queue are not touched.
func (s *Service) ReapStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := s.now().Add(-staleAfter)
	n, err := s.store.ReapStaleJobs(ctx, cutoff, fmt.Sprintf("no progress since %s", cutoff.UTC().Format(time.RFC3339)))
	if err != nil {
		return 0, fmt.Errorf("optimizer.ReapStale: %w", err)
	}
	if n > 0 {
		s.log.Warn("stale jobs failed", slog.Int64("count", n))
		for i := int64(0); i < n; i++ {
			s.metrics.JobFinished(string(models.JobFailed))
		}
	}
	return n, nil
}

// ThemeImage is the storefront view of an optimized image.
type ThemeImage struct {
	ImageID        string `json:"imageId"`
	Optimized      bool   `json:"optimized"`
	OriginalURL    string `json:"originalUrl"`
	WebPURL        string `json:"webpUrl"`
	FileSize       int64  `json:"fileSize"`
	WebPFileSize   int64  `json:"webpFileSize"`
	SavingsPercent int    `json:"savingsPercent"`
}

// ThemeImage looks an image up by its original or optimized media id. Only
// completed records are visible; anything else is models.ErrNotFound.
func (s *Service) ThemeImage(ctx context.Context, shop, mediaID string) (*ThemeImage, error) {
	rec, err := s.store.LookupImage(ctx, shop, mediaID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusCompleted || rec.WebPURL == nil || rec.FileSize == nil || rec.WebPFileSize == nil {
		return nil, fmt.Errorf("optimizer.ThemeImage: %s: %w", mediaID, models.ErrNotFound)
	}
	out := &ThemeImage{
		ImageID:      rec.ImageID,
		Optimized:    true,
		OriginalURL:  rec.OriginalURL,
		WebPURL:      *rec.WebPURL,
		FileSize:     *rec.FileSize,
		WebPFileSize: *rec.WebPFileSize,
	}
	if out.FileSize > 0 {
		out.SavingsPercent = int(math.Round(float64(rec.Saved()) * 100 / float64(out.FileSize)))
	}
	return out, nil
}
