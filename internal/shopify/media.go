package shopify

import (
	"context"
	"fmt"
)

const createMediaMutation = `
mutation ProductCreateMedia($productId: ID!, $media: [CreateMediaInput!]!) {
  productCreateMedia(productId: $productId, media: $media) {
    media {
      id
      alt
      mediaContentType
      status
      ... on MediaImage { image { url width height } }
    }
    mediaUserErrors { field message code }
  }
}`

const deleteMediaMutation = `
mutation ProductDeleteMedia($productId: ID!, $mediaIds: [ID!]!) {
  productDeleteMedia(productId: $productId, mediaIds: $mediaIds) {
    deletedMediaIds
    mediaUserErrors { field message code }
  }
}`

const updateMediaMutation = `
mutation ProductUpdateMedia($productId: ID!, $media: [UpdateMediaInput!]!) {
  productUpdateMedia(productId: $productId, media: $media) {
    media {
      id
      alt
      mediaContentType
      status
      ... on MediaImage { image { url width height } }
    }
    mediaUserErrors { field message code }
  }
}`

func mediaResult(nodes []mediaNode, errs UserErrors) *MediaResult {
	res := &MediaResult{UserErrors: errs}
	for i, n := range nodes {
		img := MediaImage{ID: n.ID, Status: n.Status, Position: i + 1}
		if n.Alt != nil {
			img.Alt = *n.Alt
		}
		if n.Image != nil {
			img.URL = n.Image.URL
			img.Width = n.Image.Width
			img.Height = n.Image.Height
		}
		res.Media = append(res.Media, img)
	}
	return res
}

// CreateMedia attaches an image to a product from source (a staged resource
// URL or any public URL). Per-item failures come back in UserErrors.
func (a *Admin) CreateMedia(ctx context.Context, productID, source, alt string) (*MediaResult, error) {
	vars := map[string]any{
		"productId": productID,
		"media": []any{map[string]any{
			"originalSource":   source,
			"alt":              alt,
			"mediaContentType": "IMAGE",
		}},
	}
	var data struct {
		ProductCreateMedia struct {
			Media           []mediaNode `json:"media"`
			MediaUserErrors UserErrors  `json:"mediaUserErrors"`
		} `json:"productCreateMedia"`
	}
	if err := a.mutate(ctx, createMediaMutation, vars, &data); err != nil {
		return nil, fmt.Errorf("create media on %s: %w", productID, err)
	}
	p := data.ProductCreateMedia
	return mediaResult(p.Media, p.MediaUserErrors), nil
}

// DeleteMedia removes media from a product. Per-item failures come back in UserErrors.
func (a *Admin) DeleteMedia(ctx context.Context, productID string, mediaIDs []string) (*DeleteResult, error) {
	vars := map[string]any{"productId": productID, "mediaIds": mediaIDs}
	var data struct {
		ProductDeleteMedia struct {
			DeletedMediaIDs []string   `json:"deletedMediaIds"`
			MediaUserErrors UserErrors `json:"mediaUserErrors"`
		} `json:"productDeleteMedia"`
	}
	if err := a.mutate(ctx, deleteMediaMutation, vars, &data); err != nil {
		return nil, fmt.Errorf("delete media on %s: %w", productID, err)
	}
	p := data.ProductDeleteMedia
	return &DeleteResult{DeletedMediaIDs: p.DeletedMediaIDs, UserErrors: p.MediaUserErrors}, nil
}

// UpdateMediaAlt changes the alt text of one media item.
func (a *Admin) UpdateMediaAlt(ctx context.Context, productID, mediaID, alt string) (*MediaResult, error) {
	vars := map[string]any{
		"productId": productID,
		"media":     []any{map[string]any{"id": mediaID, "alt": alt}},
	}
	var data struct {
		ProductUpdateMedia struct {
			Media           []mediaNode `json:"media"`
			MediaUserErrors UserErrors  `json:"mediaUserErrors"`
		} `json:"productUpdateMedia"`
	}
	if err := a.mutate(ctx, updateMediaMutation, vars, &data); err != nil {
		return nil, fmt.Errorf("update media on %s: %w", productID, err)
	}
	p := data.ProductUpdateMedia
	return mediaResult(p.Media, p.MediaUserErrors), nil
}
