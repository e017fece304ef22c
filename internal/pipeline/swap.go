package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"webp-optimizer/internal/shopify"
)

// Swapped describes the media now attached to the product.
type Swapped struct {
	MediaID string
	URL     string
}

// Swap replaces oldMediaID on the product with media created from
// resourceURL. Delete user errors are only logged; the new asset is attached
// regardless. Create user errors fail the swap.
func (s *Step) Swap(ctx context.Context, api MediaAPI, productID, oldMediaID, resourceURL, alt string) (*Swapped, error) {
	deleted, err := api.DeleteMedia(ctx, productID, []string{oldMediaID})
	switch {
	case err != nil:
		s.log.Warn("delete original media failed",
			slog.String("product_id", productID),
			slog.String("media_id", oldMediaID),
			slog.Any("error", err))
	case len(deleted.UserErrors) > 0:
		s.log.Warn("delete original media returned user errors",
			slog.String("product_id", productID),
			slog.String("media_id", oldMediaID),
			slog.String("errors", deleted.UserErrors.Error()))
	}

	return s.create(ctx, api, productID, resourceURL, alt)
}

// Restore attaches media created from source and then removes removeMediaID.
// It is the inverse of Swap but creates before it deletes. When the removal
// fails the created media is deleted again and an ErrSwap error is returned,
// so the product keeps only removeMediaID.
func (s *Step) Restore(ctx context.Context, api MediaAPI, productID, source, alt, removeMediaID string) (*Swapped, error) {
	created, err := s.create(ctx, api, productID, source, alt)
	if err != nil {
		return nil, err
	}
	if removeMediaID == "" {
		return created, nil
	}

	if err := s.remove(ctx, api, productID, removeMediaID); err != nil {
		if rbErr := s.remove(context.WithoutCancel(ctx), api, productID, created.MediaID); rbErr != nil {
			s.log.Error("roll back restored media failed",
				slog.String("product_id", productID),
				slog.String("media_id", created.MediaID),
				slog.Any("error", rbErr))
		}
		return nil, fmt.Errorf("%w: remove %s: %w", ErrSwap, removeMediaID, err)
	}
	return created, nil
}

func (s *Step) remove(ctx context.Context, api MediaAPI, productID, mediaID string) error {
	deleted, err := api.DeleteMedia(ctx, productID, []string{mediaID})
	if err != nil {
		return err
	}
	return deleted.UserErrors.Err()
}

// Attach creates media from source without removing anything.
func (s *Step) Attach(ctx context.Context, api MediaAPI, productID, source, alt string) (*Swapped, error) {
	return s.create(ctx, api, productID, source, alt)
}

func (s *Step) create(ctx context.Context, api MediaAPI, productID, source, alt string) (*Swapped, error) {
	res, err := api.CreateMedia(ctx, productID, source, alt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSwap, err)
	}
	if err := res.UserErrors.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSwap, err)
	}
	if len(res.Media) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSwap, shopify.ErrEmptyMediaResult)
	}

	m := res.Media[0]
	url := m.URL
	if url == "" {
		// Media is still processing; the source serves until it is ready.
		url = source
	}
	return &Swapped{MediaID: m.ID, URL: url}, nil
}
