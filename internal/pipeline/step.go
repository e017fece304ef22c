// Package pipeline turns one product image into an uploaded WebP asset and
// swaps it into the product's media.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"webp-optimizer/internal/backup"
	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/shopify"
)

// Item failures wrap exactly one of these so callers can tell the stages apart.
var (
	ErrFetch     = errors.New("fetch original")
	ErrBackup    = errors.New("backup original")
	ErrTranscode = errors.New("transcode to webp")
	ErrUpload    = errors.New("upload webp")
	ErrSwap      = errors.New("swap media")
)

const webpMimeType = "image/webp"

// Transcoder converts raster bytes to WebP.
type Transcoder interface {
	Encode(data []byte, quality int) ([]byte, error)
}

// MediaAPI is the part of the Shopify admin client used by the pipeline.
type MediaAPI interface {
	StagedUpload(ctx context.Context, in shopify.StagedUploadInput) (*shopify.StagedTarget, error)
	Upload(ctx context.Context, target *shopify.StagedTarget, filename, mimeType string, data []byte) error
	CreateMedia(ctx context.Context, productID, source, alt string) (*shopify.MediaResult, error)
	DeleteMedia(ctx context.Context, productID string, mediaIDs []string) (*shopify.DeleteResult, error)
}

// Source identifies the image to prepare.
type Source struct {
	Shop    string
	ImageID string
	URL     string
	// Name is the slug used for the uploaded WebP file, without extension.
	Name string
	// BackupURL, when set, is an existing backup of URL; no new backup is written.
	BackupURL string
}

// Prepared is the result of a successful Prepare.
type Prepared struct {
	BackupURL    string
	ResourceURL  string
	WebP         []byte
	OriginalSize int64
	WebPSize     int64
}

// Saved is the number of bytes the WebP copy saves.
func (p *Prepared) Saved() int64 {
	return p.OriginalSize - p.WebPSize
}

// Step runs fetch, backup, transcode and upload for one image.
type Step struct {
	httpClient *http.Client
	backups    backup.Store
	transcoder Transcoder
	quality    int
	log        *slog.Logger
}

func NewStep(httpClient *http.Client, backups backup.Store, transcoder Transcoder, quality int, log *slog.Logger) *Step {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Step{
		httpClient: httpClient,
		backups:    backups,
		transcoder: transcoder,
		quality:    quality,
		log:        log,
	}
}

// Prepare fetches the original, stores a backup, transcodes and stages the
// WebP upload. Nothing on the product is touched. The backup is always
// written, or already exists, before transcoding starts.
func (s *Step) Prepare(ctx context.Context, api MediaAPI, src Source) (*Prepared, error) {
	original, err := s.fetch(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	backupURL := src.BackupURL
	if backupURL == "" {
		ext := backup.Extension(src.URL)
		backupName := GIDSuffix(src.ImageID) + "." + ext
		backupURL, err = s.backups.Save(ctx, src.Shop, backupName, backup.MimeType(ext), original)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackup, err)
		}
	}

	webp, err := s.transcoder.Encode(original, s.quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscode, err)
	}

	filename := src.Name + ".webp"
	target, err := api.StagedUpload(ctx, shopify.StagedUploadInput{
		Resource: shopify.ResourceImage,
		Filename: filename,
		MimeType: webpMimeType,
		FileSize: int64(len(webp)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if err := api.Upload(ctx, target, filename, webpMimeType, webp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	return &Prepared{
		BackupURL:    backupURL,
		ResourceURL:  target.ResourceURL,
		WebP:         webp,
		OriginalSize: int64(len(original)),
		WebPSize:     int64(len(webp)),
	}, nil
}

func (s *Step) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("GET %s: empty body", url)
	}
	return data, nil
}

// GIDSuffix returns the trailing segment of a platform id such as
// gid://shopify/MediaImage/123, or the id itself when it has no slash.
func GIDSuffix(gid string) string {
	if i := strings.LastIndex(gid, "/"); i >= 0 && i < len(gid)-1 {
		return gid[i+1:]
	}
	return gid
}
