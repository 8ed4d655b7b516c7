package store

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
)

func (s *gormStore) ListBottles(ctx context.Context) ([]model.Bottle, error) {
	var bottles []model.Bottle
	if err := s.db.WithContext(ctx).Order("id").Find(&bottles).Error; err != nil {
		return nil, fmt.Errorf("failed to list bottles: %w", err)
	}
	return bottles, nil
}

func (s *gormStore) GetBottle(ctx context.Context, id int64) (model.Bottle, error) {
	return loadBottle(s.db.WithContext(ctx), id)
}

func (s *gormStore) CreateBottle(ctx context.Context, b *model.Bottle) error {
	if err := validateBottle(b); err != nil {
		return err
	}
	b.ID = 0
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to create bottle: %w", err)
	}
	return nil
}

// UpdateBottle applies fn to a catalog entry and returns it before and after.
// Lowering the nominal volume below what a slot still holds is refused.
func (s *gormStore) UpdateBottle(ctx context.Context, id int64, fn func(*model.Bottle) error) (model.Bottle, model.Bottle, error) {
	var before, after model.Bottle
	err := s.withTx(ctx, "update_bottle", func(tx *gorm.DB) error {
		var err error
		before, err = loadBottle(tx, id)
		if err != nil {
			return err
		}
		after = before
		if err := fn(&after); err != nil {
			return err
		}
		after.ID = id
		if err := validateBottle(&after); err != nil {
			return err
		}

		if after.Volume < before.Volume {
			var count int64
			if err := tx.Model(&model.TerminalSlot{}).
				Where("bottle_id = ? AND remaining_volume > ?", id, after.Volume).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check slots of bottle %d: %w", id, err)
			}
			if count > 0 {
				return apperr.Newf(apperr.CodePrecondition,
					"%d slots hold more than %.2f of bottle %d", count, after.Volume, id)
			}
		}
		return tx.Save(&after).Error
	})
	return before, after, err
}

func (s *gormStore) ListUsage(ctx context.Context, page Page) ([]model.BottleUsageLog, error) {
	page = page.normalize()
	var logs []model.BottleUsageLog
	err := s.db.WithContext(ctx).
		Preload("Bottle").
		Order("usage_date DESC, id DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bottle usage: %w", err)
	}
	return logs, nil
}

func validateBottle(b *model.Bottle) error {
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return apperr.New(apperr.CodeValidation, "bottle name is required")
	}
	if b.Volume <= 0 {
		return apperr.New(apperr.CodeValidation, "bottle volume must be positive")
	}
	if b.RatingAverage < 0 {
		return apperr.New(apperr.CodeValidation, "rating cannot be negative")
	}
	return nil
}
