package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"webp-optimizer/internal/models"
	"webp-optimizer/internal/pipeline"
	"webp-optimizer/internal/shopify"
	"webp-optimizer/internal/template"
)

// errStopped ends product enumeration after a cancellation checkpoint.
var errStopped = errors.New("job stopped")

// run is the state of one executing job.
type run struct {
	svc      *Service
	job      *models.Job
	platform Platform
	settings *models.SeoSettings
	log      *slog.Logger
}

// Execute runs a created job to a terminal status. Items are processed one at
// a time; an item failure is recorded on its ledger entry and the job goes on.
// The cancel flag and ctx are honoured between items only. A ctx that runs
// past its deadline fails the job; any other end of ctx cancels it.
func (s *Service) Execute(ctx context.Context, task Task) error {
	const op = "optimizer.Execute"

	job, err := s.store.GetJob(ctx, task.Shop, task.JobID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if job.Terminal() {
		s.log.Info("job already finished", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
		return nil
	}

	log := s.log.With(slog.String("shop", job.Shop), slog.String("job_id", job.ID))
	r := &run{svc: s, job: job, log: log}
	if err := r.start(ctx); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Info("job finished before it started")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if r.checkpoint(ctx) {
		return nil
	}

	r.platform, err = s.connect(job.Shop)
	if err != nil {
		s.fail(ctx, job, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	r.settings, err = s.store.GetSettings(ctx, job.Shop)
	if err != nil {
		s.fail(ctx, job, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	switch job.Mode {
	case models.ModeSingle:
		err = r.single(ctx)
	default:
		err = r.bulk(ctx)
	}

	switch {
	case errors.Is(err, errStopped):
		return nil
	case err != nil && ctx.Err() != nil:
		r.checkpoint(ctx)
		return nil
	case err != nil:
		s.fail(ctx, job, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	job.Status = models.JobCompleted
	r.finish(ctx)
	log.Info("optimization job completed",
		slog.Int("processed", job.ProcessedCount),
		slog.Int("errors", job.ErrorCount),
		slog.Int("skipped", job.SkippedCount),
		slog.Int64("saved_bytes", job.TotalSaved))
	return nil
}

// start records that a worker picked the job up. Only started jobs are
// subject to stale job reaping.
func (r *run) start(ctx context.Context) error {
	if r.job.StartedAt == nil {
		now := r.svc.now()
		r.job.StartedAt = &now
	}
	return r.svc.store.UpdateJob(context.WithoutCancel(ctx), r.job)
}

func (r *run) bulk(ctx context.Context) error {
	return r.platform.Products(ctx, func(p shopify.Product) error {
		for _, img := range p.Images {
			if r.checkpoint(ctx) {
				return errStopped
			}
			r.setCurrent(ctx, p, img)

			rec, err := r.svc.store.LookupImage(ctx, r.job.Shop, img.ID)
			switch {
			case err == nil && rec.Status == models.StatusCompleted:
				r.job.SkippedCount++
				r.svc.metrics.ImageSkipped()
			case err != nil && !errors.Is(err, models.ErrNotFound):
				r.itemFailed(ctx, img.ID, err, false)
			default:
				r.process(ctx, p, img)
			}
			r.persist(ctx)
		}
		return nil
	})
}

func (r *run) single(ctx context.Context) error {
	if r.job.ImageID == nil {
		return errors.New("single job without image id")
	}
	imageID := *r.job.ImageID

	rec, err := r.svc.store.GetImage(ctx, r.job.Shop, imageID)
	if err != nil {
		return err
	}
	p, err := r.platform.Product(ctx, rec.ProductID)
	if err != nil {
		return err
	}

	if r.checkpoint(ctx) {
		return errStopped
	}
	for _, img := range p.Images {
		if img.ID == imageID {
			r.setCurrent(ctx, *p, img)
			r.process(ctx, *p, img)
			r.persist(ctx)
			return nil
		}
	}

	// The media is gone from the product, typically because an earlier swap
	// deleted it and then failed to attach the WebP copy.
	r.setCurrent(ctx, *p, shopify.MediaImage{ID: imageID, Position: 0})
	switch {
	case rec.BackupURL != nil && *rec.BackupURL != "":
		r.optimize(ctx, *p, rec, len(p.Images)+1, *rec.BackupURL)
	default:
		if err := r.svc.store.MarkProcessing(ctx, rec); err != nil {
			r.itemFailed(ctx, imageID, err, false)
		} else {
			r.itemFailed(ctx, imageID, fmt.Errorf("media %s is no longer attached to %s and has no backup", imageID, p.ID), true)
		}
	}
	r.persist(ctx)
	return nil
}

// checkpoint reports whether the job must stop before the next item. A stop
// caused by the cancel flag or by ctx finalizes the job. A job another process
// already finalized, such as the stale job reaper, is left as it is.
func (r *run) checkpoint(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		r.stop(ctx, err)
		return true
	}
	cur, err := r.svc.store.GetJob(ctx, r.job.Shop, r.job.ID)
	if err != nil {
		r.log.Warn("read cancel flag", slog.Any("error", err))
		return false
	}
	if cur.Terminal() {
		r.log.Warn("job was finalized elsewhere", slog.String("status", string(cur.Status)))
		return true
	}
	if !cur.Cancelled {
		return false
	}
	r.cancel(ctx)
	return true
}

// stop finalizes a job whose ctx ended. Running past the deadline is a
// failure; anything else, such as a worker shutdown, is a cancellation.
func (r *run) stop(ctx context.Context, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		r.svc.fail(ctx, r.job, fmt.Errorf("job exceeded its time limit: %w", cause))
		return
	}
	r.cancel(ctx)
}

func (r *run) cancel(ctx context.Context) {
	r.job.Cancelled = true
	r.job.Status = models.JobCancelled
	r.finish(ctx)
	r.log.Info("optimization job cancelled",
		slog.Int("processed", r.job.ProcessedCount),
		slog.Int("errors", r.job.ErrorCount),
		slog.Int("skipped", r.job.SkippedCount))
}

func (r *run) setCurrent(ctx context.Context, p shopify.Product, img shopify.MediaImage) {
	label := p.Title
	if img.Position > 0 {
		label = fmt.Sprintf("%s (image %d)", p.Title, img.Position)
	}
	r.job.CurrentImage = &label
	r.persist(ctx)
}

func (r *run) persist(ctx context.Context) error {
	err := r.svc.store.UpdateJob(context.WithoutCancel(ctx), r.job)
	if err != nil {
		r.log.Error("persist job progress", slog.Any("error", err))
	}
	return err
}

// finish writes the terminal status set on r.job, even when ctx is done.
func (r *run) finish(ctx context.Context) {
	now := r.svc.now()
	r.job.CurrentImage = nil
	r.job.FinishedAt = &now
	if r.persist(ctx) == nil {
		r.svc.metrics.JobFinished(string(r.job.Status))
	}
}

// process optimizes an image found on the product, replacing its media.
func (r *run) process(ctx context.Context, p shopify.Product, img shopify.MediaImage) {
	r.optimize(ctx, p, &models.ImageRecord{
		Shop:        r.job.Shop,
		ImageID:     img.ID,
		ProductID:   p.ID,
		OriginalURL: img.URL,
		OriginalGID: img.ID,
		OriginalAlt: img.Alt,
	}, img.Position, "")
}

// optimize moves one image through the ledger, the pipeline and the product
// media. With backupURL set the original is read from its backup and the
// WebP media is attached without deleting anything.
func (r *run) optimize(ctx context.Context, p shopify.Product, rec *models.ImageRecord, position int, backupURL string) {
	shop, imageID := r.job.Shop, rec.ImageID
	if err := r.svc.store.MarkProcessing(ctx, rec); err != nil {
		r.itemFailed(ctx, imageID, err, false)
		return
	}

	vars := subject(shop, p, position).Variables()
	name := template.FileName(r.settings.FileNameTemplate, vars, "product-image-"+pipeline.GIDSuffix(imageID))

	src := pipeline.Source{Shop: shop, ImageID: imageID, URL: rec.OriginalURL, Name: name}
	if backupURL != "" {
		src.URL, src.BackupURL = backupURL, backupURL
	}
	prepared, err := r.svc.step.Prepare(ctx, r.platform, src)
	if err != nil {
		r.itemFailed(ctx, imageID, err, true)
		return
	}
	// The backup is on the record before the product is touched.
	if err := r.svc.store.SetBackup(ctx, shop, imageID, prepared.BackupURL); err != nil {
		r.itemFailed(ctx, imageID, err, true)
		return
	}

	alt, altUpdated := rec.OriginalAlt, false
	if r.settings.AutoApplyOnOptimize && r.settings.AltTextTemplate != "" {
		if rendered := template.Render(r.settings.AltTextTemplate, vars); rendered != "" {
			alt, altUpdated = rendered, true
		}
	}

	var swapped *pipeline.Swapped
	if backupURL != "" {
		swapped, err = r.svc.step.Attach(ctx, r.platform, p.ID, prepared.ResourceURL, alt)
	} else {
		swapped, err = r.svc.step.Swap(ctx, r.platform, p.ID, imageID, prepared.ResourceURL, alt)
	}
	if err != nil {
		r.itemFailed(ctx, imageID, err, true)
		return
	}

	err = r.svc.store.MarkCompleted(ctx, shop, imageID, models.CompletedImage{
		WebPURL:        swapped.URL,
		WebPGID:        swapped.MediaID,
		BackupURL:      prepared.BackupURL,
		FileSize:       prepared.OriginalSize,
		WebPFileSize:   prepared.WebPSize,
		AltTextUpdated: altUpdated,
	})
	if err != nil {
		r.itemFailed(ctx, imageID, err, true)
		return
	}

	r.job.ProcessedCount++
	r.job.TotalSaved += prepared.Saved()
	r.svc.metrics.ImageOptimized(prepared.Saved())
	r.log.Info("image optimized",
		slog.String("image_id", imageID),
		slog.String("webp_gid", swapped.MediaID),
		slog.Int64("original_size", prepared.OriginalSize),
		slog.Int64("webp_size", prepared.WebPSize))
}

// itemFailed counts an item error and, when the record reached processing,
// moves it to failed with the error text.
func (r *run) itemFailed(ctx context.Context, imageID string, cause error, markFailed bool) {
	r.job.ErrorCount++
	r.svc.metrics.ImageFailed()
	r.log.Error("image optimization failed", slog.String("image_id", imageID), slog.Any("error", cause))

	if !markFailed {
		return
	}
	if err := r.svc.store.MarkFailed(context.WithoutCancel(ctx), r.job.Shop, imageID, cause.Error()); err != nil {
		r.log.Error("record image failure", slog.String("image_id", imageID), slog.Any("error", err))
	}
}

// fail finalizes a job that could not run to the end.
func (s *Service) fail(ctx context.Context, job *models.Job, cause error) {
	now := s.now()
	msg := cause.Error()
	job.Status = models.JobFailed
	job.CurrentImage = nil
	job.ErrorMessage = &msg
	job.FinishedAt = &now
	if err := s.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		s.log.Error("persist job failure", slog.String("job_id", job.ID), slog.Any("error", err))
	} else {
		s.metrics.JobFinished(string(models.JobFailed))
	}
	s.log.Error("optimization job failed",
		slog.String("shop", job.Shop), slog.String("job_id", job.ID), slog.String("error", msg))
}

func subject(shop string, p shopify.Product, position int) template.Subject {
	return template.Subject{
		ProductName: p.Title,
		Vendor:      p.Vendor,
		ProductType: p.ProductType,
		Handle:      p.Handle,
		ShopName:    strings.TrimSuffix(shop, ".myshopify.com"),
		ImageNumber: position,
	}
}
