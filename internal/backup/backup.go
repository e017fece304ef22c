// Package backup keeps durable copies of original product images so that an
// optimized image can always be reverted.
package backup

import (
	"context"
	"path"
	"strings"
)

// Store persists original image bytes and returns a URL the platform can later
// fetch them from.
type Store interface {
	Save(ctx context.Context, shop, filename, contentType string, data []byte) (string, error)
}

var mimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"avif": "image/avif",
	"bmp":  "image/bmp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"heic": "image/heic",
	"svg":  "image/svg+xml",
}

// DefaultExtension is used when a source URL carries no recognised extension.
const DefaultExtension = "jpg"

// Extension infers an image extension from a URL: the query string and
// fragment are dropped and the last dot segment of the path is used.
// Unknown or missing extensions yield DefaultExtension.
func Extension(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u), "."))
	if _, ok := mimeTypes[ext]; !ok {
		return DefaultExtension
	}
	return ext
}

// MimeType returns the content type for an extension returned by Extension.
func MimeType(ext string) string {
	if mt, ok := mimeTypes[strings.ToLower(ext)]; ok {
		return mt
	}
	return mimeTypes[DefaultExtension]
}
