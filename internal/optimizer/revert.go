package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"webp-optimizer/internal/models"
	"webp-optimizer/internal/shopify"
)

// ItemFailure names an image an operation could not handle.
type ItemFailure struct {
	ImageID string `json:"imageId"`
	Error   string `json:"error"`
}

// Result summarizes a revert, restore or alt text operation.
type Result struct {
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

func (r *Result) failed(imageID string, err error) {
	r.Errors++
	r.Failures = append(r.Failures, ItemFailure{ImageID: imageID, Error: err.Error()})
}

// RevertAll puts the original image back on every completed record. A record
// whose revert fails stays completed and can be reverted again later.
func (s *Service) RevertAll(ctx context.Context, shop string) (*Result, error) {
	const op = "optimizer.RevertAll"

	recs, err := s.store.ListImages(ctx, shop, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	platform, err := s.connect(shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := &Result{}
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		if err := s.revert(ctx, platform, &recs[i]); err != nil {
			res.failed(recs[i].ImageID, err)
			continue
		}
		res.Succeeded++
	}
	s.log.Info("revert finished", slog.String("shop", shop),
		slog.Int("reverted", res.Succeeded), slog.Int("errors", res.Errors))
	return res, nil
}

// RevertOne reverts a single record. Records that are not completed are left
// alone and reported as skipped.
func (s *Service) RevertOne(ctx context.Context, shop, imageID string) (*Result, error) {
	const op = "optimizer.RevertOne"

	rec, err := s.store.GetImage(ctx, shop, imageID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	res := &Result{}
	if rec.Status != models.StatusCompleted {
		res.Skipped++
		return res, nil
	}

	platform, err := s.connect(shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.revert(ctx, platform, rec); err != nil {
		res.failed(imageID, err)
		return res, nil
	}
	res.Succeeded++
	return res, nil
}

func (s *Service) revert(ctx context.Context, platform Platform, rec *models.ImageRecord) error {
	var webpGID string
	if rec.WebPGID != nil {
		webpGID = *rec.WebPGID
	}

	restored, err := s.step.Restore(ctx, platform, rec.ProductID, rec.RestoreSource(), rec.OriginalAlt, webpGID)
	if err != nil {
		s.metrics.Revert("revert", false)
		s.log.Error("revert image failed",
			slog.String("shop", rec.Shop), slog.String("image_id", rec.ImageID), slog.Any("error", err))
		return err
	}
	if err := s.store.MarkReverted(ctx, rec.Shop, rec.ImageID, restored.MediaID); err != nil {
		s.metrics.Revert("revert", false)
		return err
	}
	s.metrics.Revert("revert", true)
	s.log.Info("image reverted",
		slog.String("shop", rec.Shop), slog.String("image_id", rec.ImageID), slog.String("media_id", restored.MediaID))
	return nil
}

// RestoreMissing re-attaches the original of every reverted record whose
// restored media is no longer on its product. Records whose media is still
// present are skipped, so running it twice does not duplicate images.
func (s *Service) RestoreMissing(ctx context.Context, shop string) (*Result, error) {
	const op = "optimizer.RestoreMissing"

	recs, err := s.store.ListImages(ctx, shop, models.StatusReverted)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	platform, err := s.connect(shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	products := make(map[string]*shopify.Product)
	res := &Result{}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}

		p, ok := products[rec.ProductID]
		if !ok {
			p, err = platform.Product(ctx, rec.ProductID)
			if err != nil {
				if errors.Is(err, shopify.ErrProductNotFound) {
					s.log.Warn("product of reverted image is gone",
						slog.String("shop", shop), slog.String("product_id", rec.ProductID))
				}
				res.failed(rec.ImageID, err)
				continue
			}
			products[rec.ProductID] = p
		}
		if p.HasMedia(rec.OriginalGID) {
			res.Skipped++
			continue
		}

		attached, err := s.step.Attach(ctx, platform, rec.ProductID, rec.RestoreSource(), rec.OriginalAlt)
		if err != nil {
			s.metrics.Revert("restore", false)
			res.failed(rec.ImageID, err)
			continue
		}
		if err := s.store.MarkRestored(ctx, shop, rec.ImageID, attached.MediaID); err != nil {
			s.metrics.Revert("restore", false)
			res.failed(rec.ImageID, err)
			continue
		}
		p.Images = append(p.Images, shopify.MediaImage{ID: attached.MediaID, URL: attached.URL, Alt: rec.OriginalAlt})
		s.metrics.Revert("restore", true)
		res.Succeeded++
	}
	s.log.Info("restore missing finished", slog.String("shop", shop),
		slog.Int("restored", res.Succeeded), slog.Int("skipped", res.Skipped), slog.Int("errors", res.Errors))
	return res, nil
}
