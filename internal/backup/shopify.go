package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"webp-optimizer/internal/shopify"
)

// FilesAPI is the part of the Shopify admin client used for backups.
type FilesAPI interface {
	StagedUpload(ctx context.Context, in shopify.StagedUploadInput) (*shopify.StagedTarget, error)
	Upload(ctx context.Context, target *shopify.StagedTarget, filename, mimeType string, data []byte) error
	CreateFile(ctx context.Context, resourceURL, filename, alt string) (*shopify.FileResult, error)
	File(ctx context.Context, id string) (*shopify.File, error)
}

// FilesConnector returns the Files API of one shop.
type FilesConnector func(shop string) (FilesAPI, error)

// ShopifyFiles stores backups in the shop's own Files section.
type ShopifyFiles struct {
	connect      FilesConnector
	pollAttempts uint64
	pollInterval time.Duration
}

// NewShopifyFiles returns a Files backed store. The created file is polled
// until the platform has processed it and exposes a URL.
func NewShopifyFiles(connect FilesConnector, pollAttempts int, pollInterval time.Duration) *ShopifyFiles {
	if pollAttempts <= 0 {
		pollAttempts = 10
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &ShopifyFiles{connect: connect, pollAttempts: uint64(pollAttempts), pollInterval: pollInterval}
}

func (s *ShopifyFiles) Save(ctx context.Context, shop, filename, contentType string, data []byte) (string, error) {
	const op = "backup.ShopifyFiles.Save"

	api, err := s.connect(shop)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	target, err := api.StagedUpload(ctx, shopify.StagedUploadInput{
		Resource: shopify.ResourceFile,
		Filename: filename,
		MimeType: contentType,
		FileSize: int64(len(data)),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := api.Upload(ctx, target, filename, contentType, data); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	res, err := api.CreateFile(ctx, target.ResourceURL, filename, "")
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := res.UserErrors.Err(); err != nil {
		return "", fmt.Errorf("%s: file create: %w", op, err)
	}
	if len(res.Files) == 0 {
		return "", fmt.Errorf("%s: %w", op, shopify.ErrEmptyMediaResult)
	}

	file := res.Files[0]
	if file.Status == "READY" && file.URL != "" {
		return file.URL, nil
	}
	url, err := s.waitReady(ctx, api, file.ID)
	if err != nil {
		return "", fmt.Errorf("%s: %s: %w", op, file.ID, err)
	}
	return url, nil
}

func (s *ShopifyFiles) waitReady(ctx context.Context, api FilesAPI, id string) (string, error) {
	var url string
	backoff := retry.WithMaxRetries(s.pollAttempts, retry.NewConstant(s.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		f, err := api.File(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case f.Status == "FAILED":
			return shopify.ErrFileFailed
		case f.Status == "READY" && f.URL != "":
			url = f.URL
			return nil
		default:
			return retry.RetryableError(shopify.ErrFileNotReady)
		}
	})
	if err != nil {
		return "", err
	}
	return url, nil
}
