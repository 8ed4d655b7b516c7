package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
)

// RegisterTerminal returns the terminal for serial, creating it with empty slots
// the first time the serial is seen. The bool reports whether it was created.
func (s *gormStore) RegisterTerminal(ctx context.Context, serial string) (model.Terminal, bool, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return model.Terminal{}, false, apperr.New(apperr.CodeValidation, "serial is required")
	}

	var (
		terminal model.Terminal
		created  bool
	)
	err := s.withTx(ctx, "register_terminal", func(tx *gorm.DB) error {
		created = false
		candidate := model.Terminal{
			Serial:           serial,
			RegistrationDate: s.now().Truncate(time.Second),
			Status:           model.TerminalActive,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "serial"}},
			DoNothing: true,
		}).Create(&candidate)
		if res.Error != nil {
			return fmt.Errorf("failed to create terminal %q: %w", serial, res.Error)
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("serial = ?", serial).First(&terminal).Error; err != nil {
				return fmt.Errorf("failed to load terminal %q: %w", serial, err)
			}
			return nil
		}

		terminal = candidate
		created = true
		slots := make([]model.TerminalSlot, model.SlotCount)
		for i := range slots {
			slots[i] = model.TerminalSlot{TerminalID: terminal.ID, SlotNumber: i}
		}
		if err := tx.Create(&slots).Error; err != nil {
			return fmt.Errorf("failed to create slots for terminal %d: %w", terminal.ID, err)
		}
		return nil
	})
	return terminal, created, err
}

func (s *gormStore) GetTerminal(ctx context.Context, id int64) (model.Terminal, error) {
	var terminal model.Terminal
	err := s.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("slot_number") }).
		Preload("Slots.Bottle").
		First(&terminal, id).Error
	if err != nil {
		return model.Terminal{}, notFound(err, "terminal", id)
	}
	return terminal, nil
}

func (s *gormStore) ListTerminals(ctx context.Context) ([]model.Terminal, error) {
	var terminals []model.Terminal
	if err := s.db.WithContext(ctx).Order("id").Find(&terminals).Error; err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}
	return terminals, nil
}

// SetTerminalStatus changes a terminal's status and returns the previous one.
func (s *gormStore) SetTerminalStatus(ctx context.Context, id int64, status model.TerminalStatus) (model.TerminalStatus, error) {
	if !status.Valid() {
		return "", apperr.Newf(apperr.CodeValidation, "unknown terminal status %q", status)
	}
	var previous model.TerminalStatus
	err := s.withTx(ctx, "set_terminal_status", func(tx *gorm.DB) error {
		var terminal model.Terminal
		if err := tx.First(&terminal, id).Error; err != nil {
			return notFound(err, "terminal", id)
		}
		previous = terminal.Status
		return tx.Model(&terminal).Update("status", status).Error
	})
	return previous, err
}

// Heartbeat records that the terminal is online.
func (s *gormStore) Heartbeat(ctx context.Context, id int64) error {
	return s.withTx(ctx, "heartbeat", func(tx *gorm.DB) error {
		var terminal model.Terminal
		if err := tx.First(&terminal, id).Error; err != nil {
			return notFound(err, "terminal", id)
		}
		updates := map[string]any{"last_seen_at": s.now()}
		if terminal.Status == model.TerminalConnectionLost {
			updates["status"] = model.TerminalActive
		}
		return tx.Model(&terminal).Updates(updates).Error
	})
}

// TerminalBottles lists the occupied slots of a terminal with their bottles.
func (s *gormStore) TerminalBottles(ctx context.Context, id int64) ([]model.TerminalSlot, error) {
	db := s.db.WithContext(ctx)
	if err := db.Select("id").First(&model.Terminal{}, id).Error; err != nil {
		return nil, notFound(err, "terminal", id)
	}
	var slots []model.TerminalSlot
	err := db.Preload("Bottle").
		Where("terminal_id = ? AND bottle_id IS NOT NULL", id).
		Order("slot_number").
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bottles of terminal %d: %w", id, err)
	}
	return slots, nil
}

// AssignBottle puts a bottle from the warehouse into an empty slot.
// It returns the slot before and after the change.
func (s *gormStore) AssignBottle(ctx context.Context, in AssignInput) (model.TerminalSlot, model.TerminalSlot, error) {
	if !model.ValidSlotNumber(in.SlotNumber) {
		return model.TerminalSlot{}, model.TerminalSlot{}, invalidSlot(in.SlotNumber)
	}

	var before, slot model.TerminalSlot
	err := s.withTx(ctx, "assign_bottle", func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.Terminal{}, in.TerminalID).Error; err != nil {
			return notFound(err, "terminal", in.TerminalID)
		}
		bottle, err := loadBottle(tx, in.BottleID)
		if err != nil {
			return err
		}
		volume := bottle.Volume
		if in.Volume != nil {
			volume = *in.Volume
		}
		if volume < 0 || volume > bottle.Volume {
			return apperr.Newf(apperr.CodeValidation,
				"volume %.2f must be between 0 and the bottle's nominal volume %.2f", volume, bottle.Volume)
		}

		slot, err = loadSlot(tx, in.TerminalID, in.SlotNumber)
		if err != nil {
			return err
		}
		before = slot
		return placeBottle(tx, &slot, bottle, volume)
	})
	if err != nil {
		return model.TerminalSlot{}, model.TerminalSlot{}, err
	}
	s.metrics.IncStock("assign")
	return before, slot, nil
}

// ClearSlot returns the slot's bottle to the warehouse and empties the slot.
// Clearing an empty slot is a no-op.
func (s *gormStore) ClearSlot(ctx context.Context, terminalID int64, slotNumber int) (model.TerminalSlot, model.TerminalSlot, error) {
	var before, slot model.TerminalSlot
	err := s.withTx(ctx, "clear_slot", func(tx *gorm.DB) error {
		var err error
		slot, err = loadSlot(tx, terminalID, slotNumber)
		if err != nil {
			return err
		}
		before = slot
		return clearSlotTx(tx, &slot, s.now())
	})
	if err != nil {
		return model.TerminalSlot{}, model.TerminalSlot{}, err
	}
	s.metrics.IncStock("clear")
	return before, slot, nil
}

// ReplaceSlot fills a previously cleared slot with a full bottle.
func (s *gormStore) ReplaceSlot(ctx context.Context, terminalID int64, slotNumber int, bottleID int64) (model.TerminalSlot, model.TerminalSlot, error) {
	if !model.ValidSlotNumber(slotNumber) {
		return model.TerminalSlot{}, model.TerminalSlot{}, invalidSlot(slotNumber)
	}

	var before, slot model.TerminalSlot
	err := s.withTx(ctx, "replace_slot", func(tx *gorm.DB) error {
		var err error
		slot, err = loadSlot(tx, terminalID, slotNumber)
		if err != nil {
			return err
		}
		before = slot
		if _, empty := slot.Content().(model.EmptySlot); !empty {
			return occupied(slot)
		}
		bottle, err := loadBottle(tx, bottleID)
		if err != nil {
			return err
		}
		return placeBottle(tx, &slot, bottle, bottle.Volume)
	})
	if err != nil {
		return model.TerminalSlot{}, model.TerminalSlot{}, err
	}
	s.metrics.IncStock("replace")
	return before, slot, nil
}

// ResetSlotVolume logs what was poured since the last reset and refills the slot
// to nominal volume. When swapped is true a fresh unit of the same bottle was
// inserted, so one unit is drawn from warehouse stock.
func (s *gormStore) ResetSlotVolume(ctx context.Context, terminalID int64, slotNumber int, swapped bool) (model.TerminalSlot, model.TerminalSlot, error) {
	var before, slot model.TerminalSlot
	err := s.withTx(ctx, "reset_slot_volume", func(tx *gorm.DB) error {
		var err error
		slot, err = loadSlot(tx, terminalID, slotNumber)
		if err != nil {
			return err
		}
		before = slot
		return resetSlotTx(tx, &slot, swapped, s.now())
	})
	if err != nil {
		return model.TerminalSlot{}, model.TerminalSlot{}, err
	}
	if swapped {
		s.metrics.IncStock("swap")
	}
	return before, slot, nil
}

// ResetTerminal resets every partially used slot of a terminal without drawing stock.
func (s *gormStore) ResetTerminal(ctx context.Context, terminalID int64) (int, error) {
	var count int
	err := s.withTx(ctx, "reset_terminal", func(tx *gorm.DB) error {
		count = 0
		if err := tx.Select("id").First(&model.Terminal{}, terminalID).Error; err != nil {
			return notFound(err, "terminal", terminalID)
		}
		var slots []model.TerminalSlot
		if err := tx.Preload("Bottle").
			Where("terminal_id = ? AND bottle_id IS NOT NULL", terminalID).
			Order("slot_number").
			Find(&slots).Error; err != nil {
			return fmt.Errorf("failed to load slots of terminal %d: %w", terminalID, err)
		}
		now := s.now()
		for i := range slots {
			if slots[i].Bottle == nil || slots[i].RemainingVolume >= slots[i].Bottle.Volume {
				continue
			}
			if err := resetSlotTx(tx, &slots[i], false, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ApplySlotPlan brings several slots to the planned bottles in one unit of work.
// The same bottle refills a partially used slot without touching stock and
// leaves a full one alone, a different bottle clears the slot first, and nil
// empties the slot.
func (s *gormStore) ApplySlotPlan(ctx context.Context, terminalID int64, plan SlotPlan) error {
	slotNumbers := make([]int, 0, len(plan))
	for n := range plan {
		if !model.ValidSlotNumber(n) {
			return invalidSlot(n)
		}
		slotNumbers = append(slotNumbers, n)
	}
	sort.Ints(slotNumbers)

	return s.withTx(ctx, "apply_slot_plan", func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.Terminal{}, terminalID).Error; err != nil {
			return notFound(err, "terminal", terminalID)
		}
		now := s.now()
		for _, n := range slotNumbers {
			slot, err := loadSlot(tx, terminalID, n)
			if err != nil {
				return err
			}
			target := plan[n]
			held, isHeld := slot.Content().(model.OccupiedSlot)

			switch {
			case target == nil:
				if err := clearSlotTx(tx, &slot, now); err != nil {
					return err
				}
			case isHeld && held.BottleID == *target:
				if slot.Bottle != nil && held.RemainingVolume >= slot.Bottle.Volume {
					continue
				}
				if err := resetSlotTx(tx, &slot, false, now); err != nil {
					return err
				}
			default:
				if err := clearSlotTx(tx, &slot, now); err != nil {
					return err
				}
				bottle, err := loadBottle(tx, *target)
				if err != nil {
					return err
				}
				if err := placeBottle(tx, &slot, bottle, bottle.Volume); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Consume lowers a slot's remaining volume and returns what is left.
func (s *gormStore) Consume(ctx context.Context, terminalID int64, slotNumber int, volume float64) (float64, error) {
	var remaining float64
	err := s.withTx(ctx, "consume", func(tx *gorm.DB) error {
		slot, err := loadSlot(tx, terminalID, slotNumber)
		if err != nil {
			return err
		}
		if err := consumeTx(tx, &slot, volume); err != nil {
			return err
		}
		remaining = slot.RemainingVolume
		return nil
	})
	return remaining, err
}

func loadSlot(tx *gorm.DB, terminalID int64, slotNumber int) (model.TerminalSlot, error) {
	var slot model.TerminalSlot
	err := tx.Preload("Bottle").
		Where("terminal_id = ? AND slot_number = ?", terminalID, slotNumber).
		First(&slot).Error
	if err != nil {
		return model.TerminalSlot{}, notFound(err, "slot", fmt.Sprintf("%d/%d", terminalID, slotNumber))
	}
	return slot, nil
}

func loadBottle(tx *gorm.DB, id int64) (model.Bottle, error) {
	var bottle model.Bottle
	if err := tx.First(&bottle, id).Error; err != nil {
		return model.Bottle{}, notFound(err, "bottle", id)
	}
	return bottle, nil
}

func invalidSlot(n int) error {
	return apperr.Newf(apperr.CodeInvalidSlot, "slot number %d is outside 0..%d", n, model.SlotCount-1)
}

func occupied(slot model.TerminalSlot) error {
	return apperr.Newf(apperr.CodePrecondition,
		"slot %d of terminal %d holds bottle %d; clear it first", slot.SlotNumber, slot.TerminalID, *slot.BottleID)
}

// placeBottle debits one unit from the warehouse and puts it into an empty slot.
func placeBottle(tx *gorm.DB, slot *model.TerminalSlot, bottle model.Bottle, volume float64) error {
	if _, empty := slot.Content().(model.EmptySlot); !empty {
		return occupied(*slot)
	}

	res := tx.Model(&model.WarehouseBottle{}).
		Where("bottle_id = ? AND quantity > 0", bottle.ID).
		Updates(map[string]any{
			"quantity":             gorm.Expr("quantity - 1"),
			"current_in_terminals": gorm.Expr("current_in_terminals + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to debit warehouse for bottle %d: %w", bottle.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.CodeOutOfStock, "bottle %d is out of stock", bottle.ID)
	}

	res = tx.Model(&model.TerminalSlot{}).
		Where("id = ? AND bottle_id IS NULL", slot.ID).
		Updates(map[string]any{"bottle_id": bottle.ID, "remaining_volume": volume})
	if res.Error != nil {
		return fmt.Errorf("failed to fill slot %d: %w", slot.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.CodePrecondition, "slot %d of terminal %d was filled concurrently", slot.SlotNumber, slot.TerminalID)
	}

	id := bottle.ID
	slot.BottleID = &id
	slot.Bottle = &bottle
	slot.RemainingVolume = volume
	return nil
}

// clearSlotTx logs consumption, credits the warehouse and empties the slot.
func clearSlotTx(tx *gorm.DB, slot *model.TerminalSlot, now time.Time) error {
	held, ok := slot.Content().(model.OccupiedSlot)
	if !ok {
		return nil
	}
	bottleID := held.BottleID

	if err := logUsage(tx, slot, now); err != nil {
		return err
	}

	res := tx.Model(&model.WarehouseBottle{}).
		Where("bottle_id = ? AND current_in_terminals > 0", bottleID).
		Updates(map[string]any{
			"quantity":             gorm.Expr("quantity + 1"),
			"current_in_terminals": gorm.Expr("current_in_terminals - 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to credit warehouse for bottle %d: %w", bottleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.CodeConflict, "warehouse has no deployed units of bottle %d to return", bottleID)
	}

	res = tx.Model(&model.TerminalSlot{}).
		Where("id = ? AND bottle_id = ?", slot.ID, bottleID).
		Updates(map[string]any{"bottle_id": nil, "remaining_volume": 0})
	if res.Error != nil {
		return fmt.Errorf("failed to empty slot %d: %w", slot.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.CodePrecondition, "slot %d of terminal %d changed concurrently", slot.SlotNumber, slot.TerminalID)
	}

	slot.BottleID = nil
	slot.Bottle = nil
	slot.RemainingVolume = 0
	return nil
}

// resetSlotTx logs consumption and refills the slot to its bottle's nominal volume.
func resetSlotTx(tx *gorm.DB, slot *model.TerminalSlot, swapped bool, now time.Time) error {
	held, ok := slot.Content().(model.OccupiedSlot)
	if !ok {
		return apperr.Newf(apperr.CodePrecondition, "slot %d of terminal %d is empty", slot.SlotNumber, slot.TerminalID)
	}
	bottleID := held.BottleID
	if slot.Bottle == nil {
		bottle, err := loadBottle(tx, bottleID)
		if err != nil {
			return err
		}
		slot.Bottle = &bottle
	}

	if err := logUsage(tx, slot, now); err != nil {
		return err
	}

	if swapped {
		res := tx.Model(&model.WarehouseBottle{}).
			Where("bottle_id = ? AND quantity > 0", bottleID).
			Update("quantity", gorm.Expr("quantity - 1"))
		if res.Error != nil {
			return fmt.Errorf("failed to debit warehouse for bottle %d: %w", bottleID, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Newf(apperr.CodeOutOfStock, "bottle %d is out of stock", bottleID)
		}
	}

	nominal := slot.Bottle.Volume
	res := tx.Model(&model.TerminalSlot{}).
		Where("id = ? AND bottle_id = ?", slot.ID, bottleID).
		Update("remaining_volume", nominal)
	if res.Error != nil {
		return fmt.Errorf("failed to reset slot %d: %w", slot.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.CodePrecondition, "slot %d of terminal %d changed concurrently", slot.SlotNumber, slot.TerminalID)
	}
	slot.RemainingVolume = nominal
	return nil
}

// logUsage appends the volume poured from slot since its last reset, if any.
func logUsage(tx *gorm.DB, slot *model.TerminalSlot, now time.Time) error {
	held, ok := slot.Content().(model.OccupiedSlot)
	if !ok {
		return nil
	}
	if slot.Bottle == nil {
		bottle, err := loadBottle(tx, held.BottleID)
		if err != nil {
			return err
		}
		slot.Bottle = &bottle
	}
	used := slot.Bottle.Volume - held.RemainingVolume
	if used <= 0 {
		return nil
	}
	entry := model.BottleUsageLog{
		TerminalID: slot.TerminalID,
		BottleID:   held.BottleID,
		UsageDate:  now,
		UsedVolume: used,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to log usage for slot %d: %w", slot.ID, err)
	}
	return nil
}

// consumeTx lowers the remaining volume, refusing to go below zero.
func consumeTx(tx *gorm.DB, slot *model.TerminalSlot, volume float64) error {
	if volume <= 0 {
		return apperr.Newf(apperr.CodeValidation, "volume must be positive, got %.2f", volume)
	}
	held, ok := slot.Content().(model.OccupiedSlot)
	if !ok {
		return apperr.Newf(apperr.CodePrecondition, "slot %d of terminal %d is empty", slot.SlotNumber, slot.TerminalID)
	}
	insufficient := func(remaining float64) error {
		return apperr.Newf(apperr.CodeInsufficientVolume,
			"slot %d of terminal %d has %.2f left, %.2f requested", slot.SlotNumber, slot.TerminalID, remaining, volume).
			WithDetails(map[string]float64{"remaining_volume": remaining, "requested_volume": volume})
	}
	if volume > held.RemainingVolume {
		return insufficient(held.RemainingVolume)
	}

	res := tx.Model(&model.TerminalSlot{}).
		Where("id = ? AND bottle_id IS NOT NULL AND remaining_volume >= ?", slot.ID, volume).
		Update("remaining_volume", gorm.Expr("remaining_volume - ?", volume))
	if res.Error != nil {
		return fmt.Errorf("failed to consume from slot %d: %w", slot.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return insufficient(held.RemainingVolume)
	}

	var current model.TerminalSlot
	if err := tx.Select("remaining_volume").First(&current, slot.ID).Error; err != nil {
		return fmt.Errorf("failed to reload slot %d: %w", slot.ID, err)
	}
	slot.RemainingVolume = current.RemainingVolume
	return nil
}
