package backup

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"webp-optimizer/internal/models"
)

// S3 stores backups in an S3 compatible bucket that is publicly readable
// under PublicBaseURL, so the platform can fetch them when reverting.
type S3 struct {
	client        *minio.Client
	bucket        string
	region        string
	publicBaseURL string
}

func NewS3(cfg models.BackupConfig) (*S3, error) {
	const op = "backup.NewS3"

	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: init minio: %w", op, err)
	}
	return &S3{
		client:        client,
		bucket:        cfg.S3Bucket,
		region:        cfg.S3Region,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Key is the object key of a backup: {shop}/backups/{filename}.
func Key(shop, filename string) string {
	return shop + "/backups/" + filename
}

func (s *S3) Save(ctx context.Context, shop, filename, contentType string, data []byte) (string, error) {
	const op = "backup.S3.Save"

	key := Key(shop, filename)
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("%s: put %s: %w", op, key, err)
	}
	return s.publicBaseURL + "/" + escapeKey(key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
