package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"webp-optimizer/internal/models"
)

// MemoryStore keeps everything in process memory. It mirrors Storage,
// including the single running job per shop and the ledger transition rules.
type MemoryStore struct {
	mu       sync.RWMutex
	images   map[string]*models.ImageRecord
	jobs     map[string]*models.Job
	settings map[string]*models.SeoSettings
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images:   make(map[string]*models.ImageRecord),
		jobs:     make(map[string]*models.Job),
		settings: make(map[string]*models.SeoSettings),
		now:      time.Now,
	}
}

func imageKey(shop, imageID string) string {
	return shop + "\x00" + imageID
}

func cloneImage(r *models.ImageRecord) *models.ImageRecord {
	c := *r
	c.WebPURL = clonePtr(r.WebPURL)
	c.WebPGID = clonePtr(r.WebPGID)
	c.BackupURL = clonePtr(r.BackupURL)
	c.FileSize = clonePtr(r.FileSize)
	c.WebPFileSize = clonePtr(r.WebPFileSize)
	c.ErrorMessage = clonePtr(r.ErrorMessage)
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.ImageID = clonePtr(j.ImageID)
	c.CurrentImage = clonePtr(j.CurrentImage)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (m *MemoryStore) GetImage(_ context.Context, shop, imageID string) (*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.images[imageKey(shop, imageID)]
	if !ok {
		return nil, fmt.Errorf("storage.GetImage: %w", models.ErrNotFound)
	}
	return cloneImage(rec), nil
}

func (m *MemoryStore) LookupImage(_ context.Context, shop, mediaID string) (*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.images[imageKey(shop, mediaID)]; ok {
		return cloneImage(rec), nil
	}
	var found *models.ImageRecord
	for _, rec := range m.images {
		if rec.Shop != shop || rec.WebPGID == nil || *rec.WebPGID != mediaID {
			continue
		}
		if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, fmt.Errorf("storage.LookupImage: %w", models.ErrNotFound)
	}
	return cloneImage(found), nil
}

// transition moves the record to status when allowed and applies fn to it.
func (m *MemoryStore) transition(op, shop, imageID string, to models.ImageStatus, fn func(*models.ImageRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.images[imageKey(shop, imageID)]
	if !ok || !models.CanTransition(rec.Status, to) {
		return fmt.Errorf("%s: %s -> %s: %w", op, imageID, to, models.ErrInvalidTransition)
	}
	rec.Status = to
	rec.UpdatedAt = m.now()
	fn(rec)
	return nil
}

func (m *MemoryStore) MarkProcessing(_ context.Context, in *models.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := imageKey(in.Shop, in.ImageID)
	now := m.now()
	rec, ok := m.images[key]
	if !ok {
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		rec = &models.ImageRecord{ID: id, Shop: in.Shop, ImageID: in.ImageID, CreatedAt: now}
		m.images[key] = rec
	} else if !models.CanTransition(rec.Status, models.StatusProcessing) {
		return fmt.Errorf("storage.MarkProcessing: %s -> %s: %w", in.ImageID, models.StatusProcessing, models.ErrInvalidTransition)
	}

	rec.ProductID = in.ProductID
	rec.OriginalURL = in.OriginalURL
	rec.OriginalGID = in.OriginalGID
	rec.OriginalAlt = in.OriginalAlt
	rec.Status = models.StatusProcessing
	rec.WebPURL, rec.WebPGID = nil, nil
	rec.FileSize, rec.WebPFileSize = nil, nil
	rec.ErrorMessage = nil
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, shop, imageID string, c models.CompletedImage) error {
	return m.transition("storage.MarkCompleted", shop, imageID, models.StatusCompleted, func(r *models.ImageRecord) {
		r.WebPURL = &c.WebPURL
		r.WebPGID = &c.WebPGID
		r.BackupURL = &c.BackupURL
		r.FileSize = &c.FileSize
		r.WebPFileSize = &c.WebPFileSize
		r.AltTextUpdated = c.AltTextUpdated
		r.ErrorMessage = nil
	})
}

func (m *MemoryStore) SetBackup(_ context.Context, shop, imageID, backupURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.images[imageKey(shop, imageID)]
	if !ok || rec.Status != models.StatusProcessing {
		return fmt.Errorf("storage.SetBackup: %s -> %s: %w", imageID, models.StatusProcessing, models.ErrInvalidTransition)
	}
	rec.BackupURL = &backupURL
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, shop, imageID, message string) error {
	return m.transition("storage.MarkFailed", shop, imageID, models.StatusFailed, func(r *models.ImageRecord) {
		r.WebPURL, r.WebPGID = nil, nil
		r.FileSize, r.WebPFileSize = nil, nil
		r.ErrorMessage = &message
	})
}

func (m *MemoryStore) MarkReverted(_ context.Context, shop, imageID, mediaID string) error {
	return m.transition("storage.MarkReverted", shop, imageID, models.StatusReverted, func(r *models.ImageRecord) {
		r.OriginalGID = mediaID
		r.AltTextUpdated = false
	})
}

func (m *MemoryStore) MarkRestored(_ context.Context, shop, imageID, mediaID string) error {
	return m.transition("storage.MarkRestored", shop, imageID, models.StatusRestored, func(r *models.ImageRecord) {
		r.OriginalGID = mediaID
	})
}

func (m *MemoryStore) SetAltTextUpdated(_ context.Context, shop, imageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.images[imageKey(shop, imageID)]; ok && rec.Status == models.StatusCompleted {
		rec.AltTextUpdated = true
		rec.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) ListImages(_ context.Context, shop string, status models.ImageStatus) ([]models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ImageRecord
	for _, rec := range m.images {
		if rec.Shop == shop && rec.Status == status {
			out = append(out, *cloneImage(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ImageID < out[j].ImageID
	})
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, shop string) (*models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.Stats{Counts: make(map[models.ImageStatus]int, len(models.ImageStatuses))}
	for _, st := range models.ImageStatuses {
		stats.Counts[st] = 0
	}
	for _, rec := range m.images {
		if rec.Shop != shop {
			continue
		}
		stats.Counts[rec.Status]++
		stats.Total++
		if rec.Status == models.StatusCompleted {
			stats.BytesSaved += rec.Saved()
		}
	}
	return stats, nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Shop == job.Shop && j.Status == models.JobRunning {
			return fmt.Errorf("storage.CreateJob: %s: %w", job.Shop, models.ErrJobRunning)
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now()
	job.Status = models.JobRunning
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, shop, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok || j.Shop != shop {
		return nil, fmt.Errorf("storage.GetJob: %w", models.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) LatestJob(_ context.Context, shop string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Job
	for _, j := range m.jobs {
		if j.Shop != shop {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("storage.LatestJob: %w", models.ErrNotFound)
	}
	return cloneJob(latest), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[job.ID]
	if !ok || cur.Shop != job.Shop {
		return fmt.Errorf("storage.UpdateJob: %s: %w", job.ID, models.ErrNotFound)
	}
	if cur.Terminal() {
		return fmt.Errorf("storage.UpdateJob: job %s is not running: %w", job.ID, models.ErrInvalidTransition)
	}
	next := cloneJob(job)
	next.Cancelled = cur.Cancelled
	next.CreatedAt = cur.CreatedAt
	if cur.StartedAt != nil {
		next.StartedAt = clonePtr(cur.StartedAt)
	}
	next.UpdatedAt = m.now()
	m.jobs[job.ID] = next
	return nil
}

func (m *MemoryStore) CancelJob(_ context.Context, shop, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Shop != shop {
		return nil, fmt.Errorf("storage.CancelJob: %w", models.ErrNotFound)
	}
	if j.Status == models.JobRunning {
		j.Cancelled = true
		j.UpdatedAt = m.now()
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ReapStaleJobs(_ context.Context, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, j := range m.jobs {
		if j.Status != models.JobRunning || j.StartedAt == nil || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := message
		j.Status = models.JobFailed
		j.CurrentImage = nil
		j.ErrorMessage = &msg
		j.FinishedAt = &now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) GetSettings(_ context.Context, shop string) (*models.SeoSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[shop]
	if !ok {
		def := models.DefaultSeoSettings(shop)
		def.CreatedAt = m.now()
		def.UpdatedAt = def.CreatedAt
		s = &def
		m.settings[shop] = s
	}
	out := *s
	return &out, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, in models.SeoSettings) (*models.SeoSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := in
	s.UpdatedAt = now
	if cur, ok := m.settings[in.Shop]; ok {
		s.CreatedAt = cur.CreatedAt
	} else {
		s.CreatedAt = now
	}
	m.settings[in.Shop] = &s
	out := s
	return &out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}
