package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"webp-optimizer/internal/models"
)

func processing(shop, imageID string) *models.ImageRecord {
	return &models.ImageRecord{
		Shop: shop, ImageID: imageID, ProductID: "prod", OriginalURL: "https://cdn/" + imageID + ".jpg",
		OriginalGID: imageID, OriginalAlt: "alt",
	}
}

func TestMemoryStore_LedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if err := m.MarkProcessing(ctx, processing("demo", "img1")); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := m.MarkFailed(ctx, "demo", "img1", "fetch original: 404"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	rec, _ := m.GetImage(ctx, "demo", "img1")
	if rec.Status != models.StatusFailed || rec.ErrorMessage == nil {
		t.Fatalf("after fail = %+v", rec)
	}

	// retry upserts the same record
	if err := m.MarkProcessing(ctx, processing("demo", "img1")); err != nil {
		t.Fatalf("retry MarkProcessing: %v", err)
	}
	err := m.MarkCompleted(ctx, "demo", "img1", models.CompletedImage{
		WebPURL: "https://cdn/img1.webp", WebPGID: "webp1", BackupURL: "https://backup/img1.jpg",
		FileSize: 1000, WebPFileSize: 250,
	})
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	rec, _ = m.GetImage(ctx, "demo", "img1")
	if rec.Status != models.StatusCompleted || rec.ErrorMessage != nil || rec.Saved() != 750 {
		t.Fatalf("after complete = %+v", rec)
	}

	if err := m.MarkProcessing(ctx, processing("demo", "img1")); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("reprocess completed err = %v", err)
	}

	if err := m.MarkReverted(ctx, "demo", "img1", "orig2"); err != nil {
		t.Fatalf("MarkReverted: %v", err)
	}
	if err := m.MarkRestored(ctx, "demo", "img1", "orig3"); err != nil {
		t.Fatalf("MarkRestored: %v", err)
	}
	rec, _ = m.GetImage(ctx, "demo", "img1")
	if rec.Status != models.StatusRestored || rec.OriginalGID != "orig3" || *rec.BackupURL != "https://backup/img1.jpg" {
		t.Fatalf("after restore = %+v", rec)
	}
}

func TestMemoryStore_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if err := m.MarkCompleted(ctx, "demo", "missing", models.CompletedImage{}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("complete missing err = %v", err)
	}
	_ = m.MarkProcessing(ctx, processing("demo", "img1"))
	if err := m.MarkReverted(ctx, "demo", "img1", "x"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("revert processing err = %v", err)
	}
	if err := m.MarkRestored(ctx, "demo", "img1", "x"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("restore processing err = %v", err)
	}
}

func TestMemoryStore_LookupByWebPGID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_ = m.MarkProcessing(ctx, processing("demo", "img1"))
	_ = m.MarkCompleted(ctx, "demo", "img1", models.CompletedImage{WebPURL: "u", WebPGID: "webp1", FileSize: 2, WebPFileSize: 1})

	rec, err := m.LookupImage(ctx, "demo", "webp1")
	if err != nil {
		t.Fatalf("LookupImage: %v", err)
	}
	if rec.ImageID != "img1" {
		t.Errorf("image id = %q", rec.ImageID)
	}
	if _, err := m.LookupImage(ctx, "other", "webp1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("other shop err = %v", err)
	}
}

func TestMemoryStore_SingleRunningJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := &models.Job{Shop: "demo", Mode: models.ModeBulk, TotalImages: 2}
	if err := m.CreateJob(ctx, first); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := m.CreateJob(ctx, &models.Job{Shop: "demo", Mode: models.ModeBulk}); !errors.Is(err, models.ErrJobRunning) {
		t.Fatalf("second CreateJob err = %v", err)
	}
	if err := m.CreateJob(ctx, &models.Job{Shop: "other", Mode: models.ModeBulk}); err != nil {
		t.Fatalf("other shop CreateJob: %v", err)
	}

	first.Status = models.JobCompleted
	if err := m.UpdateJob(ctx, first); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := m.CreateJob(ctx, &models.Job{Shop: "demo", Mode: models.ModeBulk}); err != nil {
		t.Fatalf("CreateJob after finish: %v", err)
	}
}

func TestMemoryStore_UpdateKeepsCancelFlag(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	job := &models.Job{Shop: "demo", Mode: models.ModeBulk, TotalImages: 3}
	_ = m.CreateJob(ctx, job)
	if _, err := m.CancelJob(ctx, "demo", job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job.ProcessedCount = 1
	if err := m.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ := m.GetJob(ctx, "demo", job.ID)
	if !got.Cancelled || got.ProcessedCount != 1 {
		t.Errorf("job = %+v", got)
	}

	if _, err := m.GetJob(ctx, "other", job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cross-shop GetJob err = %v", err)
	}
}

func TestMemoryStore_ReapStaleJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	started := &models.Job{Shop: "demo", Mode: models.ModeBulk}
	_ = m.CreateJob(ctx, started)
	started.StartedAt = &base
	if err := m.UpdateJob(ctx, started); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	queued := &models.Job{Shop: "other", Mode: models.ModeBulk}
	_ = m.CreateJob(ctx, queued)

	m.now = func() time.Time { return base.Add(time.Hour) }
	n, err := m.ReapStaleJobs(ctx, base.Add(30*time.Minute), "stale")
	if err != nil || n != 1 {
		t.Fatalf("ReapStaleJobs = %d, %v", n, err)
	}
	got, _ := m.GetJob(ctx, "demo", started.ID)
	if got.Status != models.JobFailed || got.ErrorMessage == nil || *got.ErrorMessage != "stale" {
		t.Errorf("job = %+v", got)
	}
	if got, _ := m.GetJob(ctx, "other", queued.ID); got.Status != models.JobRunning {
		t.Errorf("queued job status = %s, want running", got.Status)
	}
}

func TestMemoryStore_UpdateDoesNotResurrectFinishedJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	job := &models.Job{Shop: "demo", Mode: models.ModeBulk, TotalImages: 4}
	_ = m.CreateJob(ctx, job)
	job.StartedAt = &base
	_ = m.UpdateJob(ctx, job)

	m.now = func() time.Time { return base.Add(time.Hour) }
	if n, _ := m.ReapStaleJobs(ctx, base.Add(30*time.Minute), "stale"); n != 1 {
		t.Fatalf("reaped = %d", n)
	}
	if err := m.CreateJob(ctx, &models.Job{Shop: "demo", Mode: models.ModeBulk}); err != nil {
		t.Fatalf("CreateJob after reap: %v", err)
	}

	// The worker of the reaped job is still alive and reports progress.
	job.ProcessedCount = 2
	if err := m.UpdateJob(ctx, job); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("UpdateJob err = %v, want ErrInvalidTransition", err)
	}
	got, _ := m.GetJob(ctx, "demo", job.ID)
	if got.Status != models.JobFailed || got.ProcessedCount != 0 {
		t.Errorf("job = %+v", got)
	}
}

func TestMemoryStore_StartedAtIsSetOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	first := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Minute)

	job := &models.Job{Shop: "demo", Mode: models.ModeBulk}
	_ = m.CreateJob(ctx, job)
	job.StartedAt = &first
	_ = m.UpdateJob(ctx, job)
	job.StartedAt = &later
	_ = m.UpdateJob(ctx, job)

	got, _ := m.GetJob(ctx, "demo", job.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(first) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, first)
	}
}

func TestMemoryStore_SetBackupSurvivesFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	rec := &models.ImageRecord{Shop: "demo", ImageID: "img1", ProductID: "p1", OriginalURL: "u", OriginalGID: "img1"}
	if err := m.SetBackup(ctx, "demo", "img1", "https://backup/1.jpg"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("SetBackup without record err = %v", err)
	}
	_ = m.MarkProcessing(ctx, rec)
	if err := m.SetBackup(ctx, "demo", "img1", "https://backup/1.jpg"); err != nil {
		t.Fatalf("SetBackup: %v", err)
	}
	if err := m.MarkFailed(ctx, "demo", "img1", "create media failed"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	// A retry moves the record back to processing without losing the backup.
	_ = m.MarkProcessing(ctx, rec)

	got, _ := m.GetImage(ctx, "demo", "img1")
	if got.BackupURL == nil || *got.BackupURL != "https://backup/1.jpg" {
		t.Errorf("backup url = %v", got.BackupURL)
	}
}

func TestMemoryStore_Settings(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	got, err := m.GetSettings(ctx, "demo")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.FileNameTemplate != models.DefaultFileNameTemplate || got.AutoApplyOnOptimize {
		t.Errorf("defaults = %+v", got)
	}

	got.AutoApplyOnOptimize = true
	got.AltTextTemplate = "#product_name#"
	if _, err := m.SaveSettings(ctx, *got); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	again, _ := m.GetSettings(ctx, "demo")
	if !again.AutoApplyOnOptimize || again.AltTextTemplate != "#product_name#" {
		t.Errorf("saved = %+v", again)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for _, id := range []string{"a", "b", "c"} {
		_ = m.MarkProcessing(ctx, processing("demo", id))
	}
	_ = m.MarkCompleted(ctx, "demo", "a", models.CompletedImage{FileSize: 100, WebPFileSize: 40})
	_ = m.MarkCompleted(ctx, "demo", "b", models.CompletedImage{FileSize: 50, WebPFileSize: 45})
	_ = m.MarkFailed(ctx, "demo", "c", "boom")

	stats, _ := m.Stats(ctx, "demo")
	if stats.Total != 3 || stats.Counts[models.StatusCompleted] != 2 || stats.Counts[models.StatusFailed] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BytesSaved != 65 {
		t.Errorf("bytes saved = %d, want 65", stats.BytesSaved)
	}
}
