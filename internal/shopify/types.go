package shopify

import (
	"errors"
	"strings"
)

var (
	ErrUnknownShop      = errors.New("shopify: no access token configured for shop")
	ErrProductNotFound  = errors.New("shopify: product not found")
	ErrNoStagedTarget   = errors.New("shopify: staged upload returned no target")
	ErrFileNotReady     = errors.New("shopify: file is not ready")
	ErrFileFailed       = errors.New("shopify: file processing failed")
	ErrEmptyMediaResult = errors.New("shopify: media mutation returned no media")
)

// Product is a product with its image media in display order.
type Product struct {
	ID          string
	Title       string
	Handle      string
	Vendor      string
	ProductType string
	Images      []MediaImage
}

// MediaImage is one image-type media attached to a product.
type MediaImage struct {
	ID       string
	URL      string
	Alt      string
	Width    int
	Height   int
	Status   string
	Position int // 1-based position among the product's images
}

// HasMedia reports whether the product currently carries media with the given id.
func (p *Product) HasMedia(id string) bool {
	for _, img := range p.Images {
		if img.ID == id {
			return true
		}
	}
	return false
}

// UserError is a per-item error returned as data by a mutation.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
}

// UserErrors is the error list of a mutation payload. An HTTP 200 response
// may still carry user errors; callers must inspect it.
type UserErrors []UserError

// Err joins the messages into an error, or returns nil when the list is empty.
func (u UserErrors) Err() error {
	if len(u) == 0 {
		return nil
	}
	return errors.New(u.Error())
}

func (u UserErrors) Error() string {
	msgs := make([]string, 0, len(u))
	for _, e := range u {
		if len(e.Field) > 0 {
			msgs = append(msgs, strings.Join(e.Field, ".")+": "+e.Message)
			continue
		}
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Resource kinds accepted by stagedUploadsCreate.
const (
	ResourceImage = "IMAGE"
	ResourceFile  = "FILE"
)

// StagedUploadInput describes the file to be staged.
type StagedUploadInput struct {
	Resource   string
	Filename   string
	MimeType   string
	HTTPMethod string
	FileSize   int64
}

// StagedParameter is a form field that must be sent verbatim with the upload.
type StagedParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StagedTarget is where staged bytes are posted and how the platform refers to them afterwards.
type StagedTarget struct {
	URL         string            `json:"url"`
	ResourceURL string            `json:"resourceUrl"`
	Parameters  []StagedParameter `json:"parameters"`
}

// MediaResult is the payload of productCreateMedia and productUpdateMedia.
type MediaResult struct {
	Media      []MediaImage
	UserErrors UserErrors
}

// DeleteResult is the payload of productDeleteMedia.
type DeleteResult struct {
	DeletedMediaIDs []string
	UserErrors      UserErrors
}

// File is a Files API entry.
type File struct {
	ID     string
	URL    string
	Status string // UPLOADED, PROCESSING, READY, FAILED
}

// FileResult is the payload of fileCreate.
type FileResult struct {
	Files      []File
	UserErrors UserErrors
}
