package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
)

// Dispense attributes a poured volume to the open order of an RFID tag.
// Every step commits together or not at all.
func (s *gormStore) Dispense(ctx context.Context, in DispenseInput) (DispenseResult, error) {
	code := strings.TrimSpace(in.RFIDCode)
	if code == "" {
		return DispenseResult{}, apperr.New(apperr.CodeValidation, "rfid code is required")
	}

	var (
		result  DispenseResult
		limited bool
	)
	err := s.withTx(ctx, "dispense", func(tx *gorm.DB) error {
		result = DispenseResult{}
		limited = false
		now := s.now()

		var rfid model.RFID
		if err := tx.Where("code = ?", code).First(&rfid).Error; err != nil {
			return notFound(err, "rfid", code)
		}
		if err := s.admitRFID(&rfid, now); err != nil {
			limited = apperr.Is(err, apperr.CodeRateLimit)
			return err
		}

		orderID, open, err := openOrderForRFID(tx, rfid.ID)
		if err != nil {
			return err
		}
		if !open {
			return apperr.Newf(apperr.CodeNoActiveOrder, "rfid %s is not linked to an open order", code)
		}

		slot, err := loadSlot(tx, in.TerminalID, in.SlotNumber)
		if err != nil {
			return err
		}
		previous := slot.RemainingVolume
		if err := consumeTx(tx, &slot, in.Volume); err != nil {
			return err
		}

		item := model.OrderItem{
			OrderID:    orderID,
			BottleID:   *slot.BottleID,
			TerminalID: in.TerminalID,
			SlotNumber: in.SlotNumber,
			Volume:     in.Volume,
			CreatedAt:  now,
		}
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("failed to record order item: %w", err)
		}

		if err := tx.Model(&rfid).Updates(map[string]any{
			"usage_count":  rfid.UsageCount,
			"last_used":    now,
			"rate_limited": false,
		}).Error; err != nil {
			return fmt.Errorf("failed to update rfid %s: %w", code, err)
		}

		result = DispenseResult{
			OrderID:         orderID,
			BottleID:        item.BottleID,
			PreviousVolume:  previous,
			RemainingVolume: slot.RemainingVolume,
		}
		return nil
	})

	if limited {
		err = multierr.Append(err, s.flagRFIDLimit(ctx, code))
	}
	if err != nil {
		s.metrics.ObserveDispense(string(apperr.CodeOf(err)), 0)
		return DispenseResult{}, err
	}
	s.metrics.ObserveDispense("ok", in.Volume)
	return result, nil
}

// admitRFID applies the optional per-tag dispense limit and advances the usage
// counter. The window restarts once the tag has been idle for the window length.
func (s *gormStore) admitRFID(rfid *model.RFID, now time.Time) error {
	windowOpen := rfid.LastUsed != nil && now.Sub(*rfid.LastUsed) < s.rfid.LimitWindow
	if rfid.Limit {
		if windowOpen {
			remaining := s.rfid.LimitWindow - now.Sub(*rfid.LastUsed)
			return apperr.Newf(apperr.CodeRateLimit, "rfid %s is rate limited for %s", rfid.Code, remaining.Round(time.Second))
		}
		rfid.Limit = false
		rfid.UsageCount = 0
	} else if !windowOpen {
		rfid.UsageCount = 0
	}

	rfid.UsageCount++
	if s.rfid.MaxUsesPerWindow > 0 && rfid.UsageCount > s.rfid.MaxUsesPerWindow {
		return apperr.Newf(apperr.CodeRateLimit, "rfid %s exceeded %d dispenses per %s",
			rfid.Code, s.rfid.MaxUsesPerWindow, s.rfid.LimitWindow)
	}
	return nil
}

// flagRFIDLimit persists the limit flag after the dispense transaction rolled back.
func (s *gormStore) flagRFIDLimit(ctx context.Context, code string) error {
	err := s.db.WithContext(ctx).Model(&model.RFID{}).
		Where("code = ? AND rate_limited = ?", code, false).
		Updates(map[string]any{"rate_limited": true, "last_used": s.now()}).Error
	if err != nil {
		return fmt.Errorf("failed to flag rfid %s as limited: %w", code, err)
	}
	return nil
}

func openOrderForRFID(tx *gorm.DB, rfidID int64) (int64, bool, error) {
	var ids []int64
	err := tx.Table("order_rfids").
		Joins("JOIN orders ON orders.id = order_rfids.order_id").
		Where("order_rfids.rfid_id = ? AND orders.is_completed = ?", rfidID, false).
		Order("order_rfids.order_id DESC").
		Limit(1).
		Pluck("order_rfids.order_id", &ids).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve open order for rfid %d: %w", rfidID, err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}
