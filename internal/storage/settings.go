package storage

import (
	"context"
	"fmt"

	"webp-optimizer/internal/models"
)

// GetSettings returns the shop's SEO settings, creating the defaults on first read.
func (s *Storage) GetSettings(ctx context.Context, shop string) (*models.SeoSettings, error) {
	const op = "storage.GetSettings"

	def := models.DefaultSeoSettings(shop)
	var out models.SeoSettings
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO seo_settings (shop, alt_text_template, file_name_template, auto_apply_on_optimize)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (shop) DO UPDATE SET shop = EXCLUDED.shop
		 RETURNING shop, alt_text_template, file_name_template, auto_apply_on_optimize, created_at, updated_at`,
		shop, def.AltTextTemplate, def.FileNameTemplate, def.AutoApplyOnOptimize,
	).Scan(&out.Shop, &out.AltTextTemplate, &out.FileNameTemplate, &out.AutoApplyOnOptimize, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &out, nil
}

// SaveSettings stores the shop's SEO settings.
func (s *Storage) SaveSettings(ctx context.Context, in models.SeoSettings) (*models.SeoSettings, error) {
	const op = "storage.SaveSettings"

	var out models.SeoSettings
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO seo_settings (shop, alt_text_template, file_name_template, auto_apply_on_optimize)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (shop) DO UPDATE SET
			alt_text_template = EXCLUDED.alt_text_template,
			file_name_template = EXCLUDED.file_name_template,
			auto_apply_on_optimize = EXCLUDED.auto_apply_on_optimize,
			updated_at = now()
		 RETURNING shop, alt_text_template, file_name_template, auto_apply_on_optimize, created_at, updated_at`,
		in.Shop, in.AltTextTemplate, in.FileNameTemplate, in.AutoApplyOnOptimize,
	).Scan(&out.Shop, &out.AltTextTemplate, &out.FileNameTemplate, &out.AutoApplyOnOptimize, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &out, nil
}
