package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
)

// UpdateStock adds delta units to a bottle's warehouse quantity and returns the new quantity.
func (s *gormStore) UpdateStock(ctx context.Context, bottleID int64, delta int) (int, error) {
	var quantity int
	err := s.withTx(ctx, "update_stock", func(tx *gorm.DB) error {
		res := tx.Model(&model.WarehouseBottle{}).
			Where("bottle_id = ? AND quantity + ? >= 0", bottleID, delta).
			Update("quantity", gorm.Expr("quantity + ?", delta))
		if res.Error != nil {
			return fmt.Errorf("failed to update stock of bottle %d: %w", bottleID, res.Error)
		}

		var row model.WarehouseBottle
		if err := tx.Where("bottle_id = ?", bottleID).First(&row).Error; err != nil {
			return notFound(err, "warehouse stock for bottle", bottleID)
		}
		if res.RowsAffected == 0 {
			return apperr.Newf(apperr.CodeValidation,
				"stock of bottle %d cannot drop below zero (have %d, change %d)", bottleID, row.Quantity, delta)
		}
		quantity = row.Quantity
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.IncStock("restock")
	return quantity, nil
}

// ProvisionStock creates the warehouse row for a catalog bottle.
func (s *gormStore) ProvisionStock(ctx context.Context, bottleID int64, quantity int) (model.WarehouseBottle, error) {
	if quantity < 0 {
		return model.WarehouseBottle{}, apperr.New(apperr.CodeValidation, "quantity cannot be negative")
	}
	var row model.WarehouseBottle
	err := s.withTx(ctx, "provision_stock", func(tx *gorm.DB) error {
		if _, err := loadBottle(tx, bottleID); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&model.WarehouseBottle{}).Where("bottle_id = ?", bottleID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check stock of bottle %d: %w", bottleID, err)
		}
		if count > 0 {
			return apperr.Newf(apperr.CodeConflict, "bottle %d already has a warehouse row", bottleID)
		}
		row = model.WarehouseBottle{BottleID: bottleID, Quantity: quantity}
		return tx.Create(&row).Error
	})
	if isUniqueViolation(err) {
		return model.WarehouseBottle{}, apperr.Newf(apperr.CodeConflict, "bottle %d already has a warehouse row", bottleID)
	}
	if err != nil {
		return model.WarehouseBottle{}, err
	}
	return row, nil
}

func (s *gormStore) ListWarehouse(ctx context.Context) ([]model.WarehouseBottle, error) {
	var rows []model.WarehouseBottle
	if err := s.db.WithContext(ctx).Preload("Bottle").Order("bottle_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list warehouse: %w", err)
	}
	return rows, nil
}
