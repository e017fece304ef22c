package optimizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/pipeline"
	"webp-optimizer/internal/shopify"
	"webp-optimizer/internal/storage"
)

const (
	testShop     = "demo.myshopify.com"
	originalBody = "ORIGINAL-IMAGE-BYTES"
)

// FakeShop is an in-memory product catalogue that implements Platform.
type FakeShop struct {
	mu       sync.Mutex
	products []*shopify.Product
	nextID   int

	ProductsErr     error
	CreateMediaFunc func(productID, source, alt string) (*shopify.MediaResult, error)
	DeleteMediaFunc func(productID string, ids []string) (*shopify.DeleteResult, error)
	UploadErr       error
	// OnCreate runs after every successful media create with the running count.
	OnCreate func(n int)

	Created  []string
	Deleted  []string
	Staged   []string
	AltCalls map[string]string
	creates  int
}

func (f *FakeShop) AddProduct(id, title, vendor string, imageURLs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &shopify.Product{ID: id, Title: title, Vendor: vendor, Handle: strings.ToLower(title)}
	for i, u := range imageURLs {
		f.nextID++
		p.Images = append(p.Images, shopify.MediaImage{
			ID:       fmt.Sprintf("gid://shopify/MediaImage/%d", f.nextID),
			URL:      u,
			Alt:      title + " alt",
			Position: i + 1,
		})
	}
	f.products = append(f.products, p)
}

func (f *FakeShop) snapshot() []shopify.Product {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]shopify.Product, 0, len(f.products))
	for _, p := range f.products {
		c := *p
		c.Images = append([]shopify.MediaImage(nil), p.Images...)
		for i := range c.Images {
			c.Images[i].Position = i + 1
		}
		out = append(out, c)
	}
	return out
}

func (f *FakeShop) find(id string) *shopify.Product {
	for _, p := range f.products {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (f *FakeShop) Products(ctx context.Context, fn func(shopify.Product) error) error {
	if f.ProductsErr != nil {
		return f.ProductsErr
	}
	for _, p := range f.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeShop) Product(_ context.Context, id string) (*shopify.Product, error) {
	for _, p := range f.snapshot() {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", shopify.ErrProductNotFound, id)
}

func (f *FakeShop) StagedUpload(_ context.Context, in shopify.StagedUploadInput) (*shopify.StagedTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Staged = append(f.Staged, in.Filename)
	return &shopify.StagedTarget{URL: "https://upload.example", ResourceURL: "https://staged.example/" + in.Filename}, nil
}

func (f *FakeShop) Upload(context.Context, *shopify.StagedTarget, string, string, []byte) error {
	return f.UploadErr
}

func (f *FakeShop) CreateMedia(_ context.Context, productID, source, alt string) (*shopify.MediaResult, error) {
	if f.CreateMediaFunc != nil {
		if res, err := f.CreateMediaFunc(productID, source, alt); err != nil || res != nil {
			return res, err
		}
	}

	f.mu.Lock()
	p := f.find(productID)
	if p == nil {
		f.mu.Unlock()
		return &shopify.MediaResult{UserErrors: shopify.UserErrors{{Message: "product not found"}}}, nil
	}
	f.nextID++
	img := shopify.MediaImage{
		ID:  fmt.Sprintf("gid://shopify/MediaImage/%d", f.nextID),
		URL: fmt.Sprintf("https://cdn.example/%d", f.nextID),
		Alt: alt,
	}
	p.Images = append(p.Images, img)
	f.Created = append(f.Created, source)
	f.creates++
	n := f.creates
	hook := f.OnCreate
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return &shopify.MediaResult{Media: []shopify.MediaImage{img}}, nil
}

func (f *FakeShop) DeleteMedia(_ context.Context, productID string, ids []string) (*shopify.DeleteResult, error) {
	if f.DeleteMediaFunc != nil {
		if res, err := f.DeleteMediaFunc(productID, ids); err != nil || res != nil {
			return res, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	res := &shopify.DeleteResult{}
	p := f.find(productID)
	for _, id := range ids {
		f.Deleted = append(f.Deleted, id)
		if p == nil || !p.HasMedia(id) {
			res.UserErrors = append(res.UserErrors, shopify.UserError{Message: "media " + id + " not found"})
			continue
		}
		kept := p.Images[:0]
		for _, img := range p.Images {
			if img.ID != id {
				kept = append(kept, img)
			}
		}
		p.Images = kept
		res.DeletedMediaIDs = append(res.DeletedMediaIDs, id)
	}
	return res, nil
}

func (f *FakeShop) UpdateMediaAlt(_ context.Context, productID, mediaID, alt string) (*shopify.MediaResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AltCalls == nil {
		f.AltCalls = make(map[string]string)
	}
	f.AltCalls[mediaID] = alt
	p := f.find(productID)
	if p == nil {
		return &shopify.MediaResult{UserErrors: shopify.UserErrors{{Message: "product not found"}}}, nil
	}
	for i := range p.Images {
		if p.Images[i].ID == mediaID {
			p.Images[i].Alt = alt
			return &shopify.MediaResult{Media: []shopify.MediaImage{p.Images[i]}}, nil
		}
	}
	return &shopify.MediaResult{UserErrors: shopify.UserErrors{{Message: "media not found"}}}, nil
}

// RemoveMedia drops media outside the optimizer, as a merchant would.
func (f *FakeShop) RemoveMedia(productID, mediaID string) {
	_, _ = f.DeleteMedia(context.Background(), productID, []string{mediaID})
}

func (f *FakeShop) Images(productID string) []shopify.MediaImage {
	p, err := f.Product(context.Background(), productID)
	if err != nil {
		return nil
	}
	return p.Images
}

// fakeBackups serves its backups from base, the harness image server.
type fakeBackups struct {
	mu    sync.Mutex
	base  string
	err   error
	saved map[string][]byte
}

func (b *fakeBackups) Save(_ context.Context, shop, filename, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	if b.saved == nil {
		b.saved = make(map[string][]byte)
	}
	b.saved[filename] = data
	return b.base + shop + "/" + filename, nil
}

// halfTranscoder returns the first eight bytes as the "WebP".
type halfTranscoder struct {
	err error
}

func (h *halfTranscoder) Encode(data []byte, _ int) ([]byte, error) {
	if h.err != nil {
		return nil, h.err
	}
	return data[:8], nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	err   error
	tasks []Task
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *recordingDispatcher) last() Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks[len(d.tasks)-1]
}

type harness struct {
	svc        *Service
	store      *storage.MemoryStore
	shop       *FakeShop
	backups    *fakeBackups
	transcoder *halfTranscoder
	dispatcher *recordingDispatcher
	images     *httptest.Server
	broken     map[string]bool
	mu         sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      storage.NewMemoryStore(),
		shop:       &FakeShop{},
		backups:    &fakeBackups{},
		transcoder: &halfTranscoder{},
		dispatcher: &recordingDispatcher{},
		broken:     map[string]bool{},
	}
	h.images = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		broken := h.broken[r.URL.Path]
		h.mu.Unlock()
		if broken {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(originalBody))
	}))
	t.Cleanup(h.images.Close)
	h.backups.base = h.images.URL + "/backup/"

	step := pipeline.NewStep(h.images.Client(), h.backups, h.transcoder, 85, logger.Discard())
	connect := func(shop string) (Platform, error) {
		if shop != testShop {
			return nil, shopify.ErrUnknownShop
		}
		return h.shop, nil
	}
	h.svc = New(h.store, connect, step, nil, logger.Discard())
	h.svc.SetDispatcher(h.dispatcher)
	return h
}

func (h *harness) url(name string) string {
	return h.images.URL + "/" + name
}

func (h *harness) breakImage(name string, broken bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broken["/"+name] = broken
}

// optimize starts a bulk job and executes it synchronously.
func (h *harness) optimize(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.svc.Start(ctx, testShop)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.svc.Execute(ctx, h.dispatcher.last()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, err := h.store.GetJob(ctx, testShop, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got
}

func (h *harness) record(t *testing.T, imageID string) *models.ImageRecord {
	t.Helper()
	rec, err := h.store.GetImage(context.Background(), testShop, imageID)
	if err != nil {
		t.Fatalf("GetImage(%s): %v", imageID, err)
	}
	return rec
}

var errBoom = errors.New("boom")
