package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"webp-optimizer/internal/models"
	"webp-optimizer/internal/shopify"
	"webp-optimizer/internal/template"
)

// ApplyAltTemplates rewrites the alt text of every product image from the
// shop's alt text template. Images whose alt already matches, or for which
// the template renders empty, are skipped.
func (s *Service) ApplyAltTemplates(ctx context.Context, shop string) (*Result, error) {
	const op = "optimizer.ApplyAltTemplates"

	settings, err := s.store.GetSettings(ctx, shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if settings.AltTextTemplate == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrEmptyTemplate)
	}
	platform, err := s.connect(shop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := &Result{}
	err = platform.Products(ctx, func(p shopify.Product) error {
		for _, img := range p.Images {
			alt := template.Render(settings.AltTextTemplate, subject(shop, p, img.Position).Variables())
			if alt == "" || alt == img.Alt {
				res.Skipped++
				continue
			}

			updated, err := platform.UpdateMediaAlt(ctx, p.ID, img.ID, alt)
			if err == nil {
				err = updated.UserErrors.Err()
			}
			if err != nil {
				s.log.Warn("update alt text failed",
					slog.String("shop", shop), slog.String("media_id", img.ID), slog.Any("error", err))
				res.failed(img.ID, err)
				continue
			}
			res.Succeeded++

			rec, err := s.store.LookupImage(ctx, shop, img.ID)
			if err == nil && rec.Status == models.StatusCompleted {
				if err := s.store.SetAltTextUpdated(ctx, shop, rec.ImageID); err != nil {
					s.log.Warn("flag alt text update", slog.String("image_id", rec.ImageID), slog.Any("error", err))
				}
			} else if err != nil && !errors.Is(err, models.ErrNotFound) {
				s.log.Warn("lookup image", slog.String("media_id", img.ID), slog.Any("error", err))
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("alt text applied", slog.String("shop", shop),
		slog.Int("updated", res.Succeeded), slog.Int("skipped", res.Skipped), slog.Int("errors", res.Errors))
	return res, nil
}
