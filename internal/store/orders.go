package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
)

// CreateOrder opens an order linked to every given code. If any code is already
// linked to an open order nothing is written and the error lists each collision.
func (s *gormStore) CreateOrder(ctx context.Context, codes []string) (model.Order, error) {
	codes = normalizeCodes(codes)
	if len(codes) == 0 {
		return model.Order{}, apperr.New(apperr.CodeValidation, "at least one rfid code is required")
	}

	var order model.Order
	err := s.withTx(ctx, "create_order", func(tx *gorm.DB) error {
		var conflicts []CodeError
		for _, code := range codes {
			orderID, busy, err := openOrderForCode(tx, code)
			if err != nil {
				return err
			}
			if busy {
				conflicts = append(conflicts, CodeError{
					Code:    code,
					Message: fmt.Sprintf("rfid %s is linked to open order %d", code, orderID),
				})
			}
		}
		if len(conflicts) > 0 {
			return apperr.New(apperr.CodeRFIDInUse, "one or more rfids are linked to an open order").
				WithDetails(conflicts)
		}

		now := s.now()
		order = model.Order{CreatedAt: now}
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for _, code := range codes {
			if err := linkRFID(tx, order.ID, code, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// AddRFID links one more code to an open order. Re-adding a code already on
// the same order succeeds without changes.
func (s *gormStore) AddRFID(ctx context.Context, orderID int64, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return apperr.New(apperr.CodeValidation, "rfid code is required")
	}

	return s.withTx(ctx, "add_rfid", func(tx *gorm.DB) error {
		var order model.Order
		if err := tx.First(&order, orderID).Error; err != nil {
			return notFound(err, "order", orderID)
		}
		if order.IsCompleted {
			return apperr.Newf(apperr.CodePrecondition, "order %d is completed", orderID)
		}

		current, busy, err := openOrderForCode(tx, code)
		if err != nil {
			return err
		}
		if busy && current == orderID {
			return nil
		}
		if busy {
			return apperr.Newf(apperr.CodeRFIDInUse, "rfid %s is linked to open order %d", code, current)
		}
		return linkRFID(tx, orderID, code, s.now())
	})
}

// CompleteOrder closes the order and invalidates its tags so they can be reused.
func (s *gormStore) CompleteOrder(ctx context.Context, orderID int64) error {
	return s.withTx(ctx, "complete_order", func(tx *gorm.DB) error {
		var order model.Order
		if err := tx.First(&order, orderID).Error; err != nil {
			return notFound(err, "order", orderID)
		}
		if order.IsCompleted {
			return nil
		}
		if err := tx.Model(&order).Update("is_completed", true).Error; err != nil {
			return fmt.Errorf("failed to complete order %d: %w", orderID, err)
		}

		var rfidIDs []int64
		if err := tx.Model(&model.OrderRFID{}).Where("order_id = ?", orderID).Pluck("rfid_id", &rfidIDs).Error; err != nil {
			return fmt.Errorf("failed to load rfids of order %d: %w", orderID, err)
		}
		if len(rfidIDs) == 0 {
			return nil
		}
		if err := tx.Model(&model.RFID{}).Where("id IN ?", rfidIDs).Update("is_valid", false).Error; err != nil {
			return fmt.Errorf("failed to invalidate rfids of order %d: %w", orderID, err)
		}
		return nil
	})
}

func (s *gormStore) GetOrder(ctx context.Context, orderID int64) (model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).
		Preload("RFIDs", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("RFIDs.RFID").
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Items.Bottle").
		First(&order, orderID).Error
	if err != nil {
		return model.Order{}, notFound(err, "order", orderID)
	}
	return order, nil
}

func (s *gormStore) ListOrders(ctx context.Context, page Page) ([]model.Order, error) {
	page = page.normalize()
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Preload("RFIDs.RFID").
		Preload("Items").
		Order("id DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// IsCodeFree reports whether code can be linked to a new order.
func (s *gormStore) IsCodeFree(ctx context.Context, code string) (bool, error) {
	_, busy, err := openOrderForCode(s.db.WithContext(ctx), strings.TrimSpace(code))
	if err != nil {
		return false, err
	}
	return !busy, nil
}

// Touch returns the RFID row for code, creating it on first sight.
func (s *gormStore) Touch(ctx context.Context, code string) (model.RFID, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.RFID{}, apperr.New(apperr.CodeValidation, "rfid code is required")
	}
	var rfid model.RFID
	err := s.withTx(ctx, "touch_rfid", func(tx *gorm.DB) error {
		var err error
		rfid, err = touchTx(tx, code)
		return err
	})
	return rfid, err
}

// ValidateRFID tells a terminal whether a tag may be used right now. An elapsed
// rate limit is released as a side effect.
func (s *gormStore) ValidateRFID(ctx context.Context, code string) (RFIDStatus, error) {
	var status RFIDStatus
	err := s.withTx(ctx, "validate_rfid", func(tx *gorm.DB) error {
		status = RFIDStatus{}
		var rfid model.RFID
		err := tx.Where("code = ?", strings.TrimSpace(code)).First(&rfid).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load rfid %s: %w", code, err)
		}

		if rfid.Limit {
			if rfid.LastUsed != nil {
				remaining := s.rfid.LimitWindow - s.now().Sub(*rfid.LastUsed)
				if remaining > 0 {
					status.Remaining = remaining
					return nil
				}
			}
			if err := tx.Model(&rfid).Updates(map[string]any{"rate_limited": false, "usage_count": 0}).Error; err != nil {
				return fmt.Errorf("failed to release rfid %s: %w", code, err)
			}
		}
		status.IsValid = rfid.IsValid
		return nil
	})
	return status, err
}

func normalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func openOrderForCode(tx *gorm.DB, code string) (int64, bool, error) {
	var ids []int64
	err := tx.Table("order_rfids").
		Joins("JOIN rfids ON rfids.id = order_rfids.rfid_id").
		Joins("JOIN orders ON orders.id = order_rfids.order_id").
		Where("rfids.code = ? AND orders.is_completed = ?", code, false).
		Order("order_rfids.order_id DESC").
		Limit(1).
		Pluck("order_rfids.order_id", &ids).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to check rfid %s: %w", code, err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func touchTx(tx *gorm.DB, code string) (model.RFID, error) {
	rfid := model.RFID{Code: code, IsValid: true}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoNothing: true,
	}).Create(&rfid)
	if res.Error != nil {
		return model.RFID{}, fmt.Errorf("failed to create rfid %s: %w", code, res.Error)
	}
	if res.RowsAffected == 1 {
		return rfid, nil
	}

	var existing model.RFID
	if err := tx.Where("code = ?", code).First(&existing).Error; err != nil {
		return model.RFID{}, fmt.Errorf("failed to load rfid %s: %w", code, err)
	}
	return existing, nil
}

// linkRFID attaches code to an order and marks the tag valid again.
func linkRFID(tx *gorm.DB, orderID int64, code string, now time.Time) error {
	rfid, err := touchTx(tx, code)
	if err != nil {
		return err
	}
	if !rfid.IsValid {
		if err := tx.Model(&rfid).Update("is_valid", true).Error; err != nil {
			return fmt.Errorf("failed to revalidate rfid %s: %w", code, err)
		}
	}
	link := model.OrderRFID{OrderID: orderID, RFIDID: rfid.ID, Timestamp: now}
	if err := tx.Create(&link).Error; err != nil {
		return fmt.Errorf("failed to link rfid %s to order %d: %w", code, orderID, err)
	}
	return nil
}
