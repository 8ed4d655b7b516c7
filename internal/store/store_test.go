package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"winedispense-backend/config"
	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/db"
	"winedispense-backend/internal/model"
)

// newTestStore opens a private in-memory SQLite database.
func newTestStore(t *testing.T, opts Options) (*gormStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return NewGormStore(gdb, opts).(*gormStore), gdb
}

func seedBottle(t *testing.T, gdb *gorm.DB, name string, volume float64, stock int) model.Bottle {
	t.Helper()
	b := model.Bottle{Name: name, Winery: "Test Winery", Volume: volume}
	require.NoError(t, gdb.Create(&b).Error)
	if stock >= 0 {
		require.NoError(t, gdb.Create(&model.WarehouseBottle{BottleID: b.ID, Quantity: stock}).Error)
	}
	return b
}

func stockOf(t *testing.T, gdb *gorm.DB, bottleID int64) model.WarehouseBottle {
	t.Helper()
	var row model.WarehouseBottle
	require.NoError(t, gdb.Where("bottle_id = ?", bottleID).First(&row).Error)
	return row
}

func slotOf(t *testing.T, gdb *gorm.DB, terminalID int64, n int) model.TerminalSlot {
	t.Helper()
	var slot model.TerminalSlot
	require.NoError(t, gdb.Where("terminal_id = ? AND slot_number = ?", terminalID, n).First(&slot).Error)
	return slot
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperr.CodeOf(err), err.Error())
}

func TestRegisterTerminalIsIdempotent(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()

	first, created, err := s.RegisterTerminal(ctx, "T-001")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.TerminalActive, first.Status)

	again, created, err := s.RegisterTerminal(ctx, " T-001 ")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.RegistrationDate.Equal(again.RegistrationDate))

	var slots []model.TerminalSlot
	require.NoError(t, gdb.Where("terminal_id = ?", first.ID).Order("slot_number").Find(&slots).Error)
	require.Len(t, slots, model.SlotCount)
	for i, slot := range slots {
		assert.Equal(t, i, slot.SlotNumber)
		assert.Equal(t, model.EmptySlot{}, slot.Content())
		assert.Zero(t, slot.RemainingVolume)
	}

	_, _, err = s.RegisterTerminal(ctx, "  ")
	requireCode(t, err, apperr.CodeValidation)
}

func TestStockConservation(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Merlot", 750, 3)

	conserved := func() {
		row := stockOf(t, gdb, b.ID)
		assert.Equal(t, 3, row.Quantity+row.CurrentInTerminals)
	}

	_, slot, err := s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, model.OccupiedSlot{BottleID: b.ID, RemainingVolume: 750}, slot.Content())
	conserved()

	half := 300.0
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 1, BottleID: b.ID, Volume: &half})
	require.NoError(t, err)
	assert.Equal(t, 300.0, slotOf(t, gdb, term.ID, 1).RemainingVolume)
	conserved()

	held, cleared, err := s.ClearSlot(ctx, term.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, model.OccupiedSlot{BottleID: b.ID, RemainingVolume: 750}, held.Content())
	assert.Equal(t, model.EmptySlot{}, cleared.Content())
	conserved()

	_, _, err = s.ReplaceSlot(ctx, term.ID, 0, b.ID)
	require.NoError(t, err)
	conserved()

	row := stockOf(t, gdb, b.ID)
	assert.Equal(t, 1, row.Quantity)
	assert.Equal(t, 2, row.CurrentInTerminals)

	_, _, err = s.ClearSlot(ctx, term.ID, 5)
	require.NoError(t, err, "clearing an empty slot is a no-op")
	conserved()
}

func TestAssignBottleFailures(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Syrah", 750, 1)
	empty := seedBottle(t, gdb, "Rare", 750, 0)
	unstocked := seedBottle(t, gdb, "Unlisted", 750, -1)

	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 8, BottleID: b.ID})
	requireCode(t, err, apperr.CodeInvalidSlot)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: -1, BottleID: b.ID})
	requireCode(t, err, apperr.CodeInvalidSlot)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: 999, SlotNumber: 0, BottleID: b.ID})
	requireCode(t, err, apperr.CodeNotFound)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: 999})
	requireCode(t, err, apperr.CodeNotFound)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: empty.ID})
	requireCode(t, err, apperr.CodeOutOfStock)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: unstocked.ID})
	requireCode(t, err, apperr.CodeOutOfStock)

	tooMuch := 800.0
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID, Volume: &tooMuch})
	requireCode(t, err, apperr.CodeValidation)

	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	require.NoError(t, err)
	require.NoError(t, gdb.Model(&model.WarehouseBottle{}).Where("bottle_id = ?", b.ID).Update("quantity", 5).Error)

	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	requireCode(t, err, apperr.CodePrecondition)
	assert.Equal(t, 5, stockOf(t, gdb, b.ID).Quantity, "failed assignment must not debit stock")
}

func TestReplaceRequiresClearedSlot(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	three := seedBottle(t, gdb, "Three", 750, 2)
	seven := seedBottle(t, gdb, "Seven", 750, 2)

	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: three.ID})
	require.NoError(t, err)

	_, _, err = s.ReplaceSlot(ctx, term.ID, 0, seven.ID)
	requireCode(t, err, apperr.CodePrecondition)

	slot := slotOf(t, gdb, term.ID, 0)
	require.NotNil(t, slot.BottleID)
	assert.Equal(t, three.ID, *slot.BottleID)
	assert.Equal(t, 2, stockOf(t, gdb, seven.ID).Quantity)

	_, _, err = s.ReplaceSlot(ctx, term.ID, 9, seven.ID)
	requireCode(t, err, apperr.CodeInvalidSlot)

	require.NoError(t, gdb.Model(&model.WarehouseBottle{}).Where("bottle_id = ?", seven.ID).Update("quantity", 0).Error)
	_, _, err = s.ReplaceSlot(ctx, term.ID, 1, seven.ID)
	requireCode(t, err, apperr.CodeOutOfStock)
}

func TestConsumeNeverGoesNegative(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Rose", 750, 1)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 2, BottleID: b.ID})
	require.NoError(t, err)

	remaining, err := s.Consume(ctx, term.ID, 2, 700)
	require.NoError(t, err)
	assert.Equal(t, 50.0, remaining)

	_, err = s.Consume(ctx, term.ID, 2, 60)
	requireCode(t, err, apperr.CodeInsufficientVolume)
	assert.Equal(t, 50.0, slotOf(t, gdb, term.ID, 2).RemainingVolume)

	_, err = s.Consume(ctx, term.ID, 2, 0)
	requireCode(t, err, apperr.CodeValidation)
	_, err = s.Consume(ctx, term.ID, 3, 10)
	requireCode(t, err, apperr.CodePrecondition)
	_, err = s.Consume(ctx, term.ID, 42, 10)
	requireCode(t, err, apperr.CodeNotFound)

	remaining, err = s.Consume(ctx, term.ID, 2, 50)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestResetSlotVolume(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Chablis", 750, 2)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	require.NoError(t, err)

	_, err = s.Consume(ctx, term.ID, 0, 100)
	require.NoError(t, err)
	prev, slot, err := s.ResetSlotVolume(ctx, term.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 650.0, prev.RemainingVolume)
	assert.Equal(t, 750.0, slot.RemainingVolume)
	assert.Equal(t, 1, stockOf(t, gdb, b.ID).Quantity, "reset without swap keeps stock")

	var logs []model.BottleUsageLog
	require.NoError(t, gdb.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, 100.0, logs[0].UsedVolume)
	assert.Equal(t, term.ID, logs[0].TerminalID)

	_, err = s.Consume(ctx, term.ID, 0, 50)
	require.NoError(t, err)
	_, _, err = s.ResetSlotVolume(ctx, term.ID, 0, true)
	require.NoError(t, err)
	row := stockOf(t, gdb, b.ID)
	assert.Equal(t, 0, row.Quantity)
	assert.Equal(t, 1, row.CurrentInTerminals)

	_, err = s.Consume(ctx, term.ID, 0, 20)
	require.NoError(t, err)
	_, _, err = s.ResetSlotVolume(ctx, term.ID, 0, true)
	requireCode(t, err, apperr.CodeOutOfStock)
	assert.Equal(t, 730.0, slotOf(t, gdb, term.ID, 0).RemainingVolume)

	var count int64
	require.NoError(t, gdb.Model(&model.BottleUsageLog{}).Count(&count).Error)
	assert.Equal(t, int64(2), count, "failed swap must not leave a usage entry")

	_, _, err = s.ResetSlotVolume(ctx, term.ID, 4, false)
	requireCode(t, err, apperr.CodePrecondition)
}

func TestResetTerminal(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Cava", 750, 3)
	for _, n := range []int{0, 1, 2} {
		_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: n, BottleID: b.ID})
		require.NoError(t, err)
	}
	_, err = s.Consume(ctx, term.ID, 0, 30)
	require.NoError(t, err)
	_, err = s.Consume(ctx, term.ID, 2, 120)
	require.NoError(t, err)

	n, err := s.ResetTerminal(ctx, term.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 750.0, slotOf(t, gdb, term.ID, 2).RemainingVolume)
	assert.Equal(t, 0, stockOf(t, gdb, b.ID).Quantity)

	_, err = s.ResetTerminal(ctx, 404)
	requireCode(t, err, apperr.CodeNotFound)
}

func TestConcurrentAssignTakesLastUnitOnce(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Last", 750, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, _, errs[slot] = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: slot, BottleID: b.ID})
		}(i)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.CodeOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	row := stockOf(t, gdb, b.ID)
	assert.Equal(t, 0, row.Quantity)
	assert.Equal(t, 1, row.CurrentInTerminals)
}

func TestApplySlotPlan(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	a := seedBottle(t, gdb, "A", 750, 10)
	b := seedBottle(t, gdb, "B", 500, 10)
	for _, n := range []int{1, 2, 3} {
		_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: n, BottleID: a.ID})
		require.NoError(t, err)
		_, err = s.Consume(ctx, term.ID, n, 100)
		require.NoError(t, err)
	}

	plan := SlotPlan{0: &a.ID, 1: &a.ID, 2: &b.ID, 3: nil}
	require.NoError(t, s.ApplySlotPlan(ctx, term.ID, plan))

	assert.Equal(t, model.OccupiedSlot{BottleID: a.ID, RemainingVolume: 750}, slotOf(t, gdb, term.ID, 0).Content())
	assert.Equal(t, model.OccupiedSlot{BottleID: a.ID, RemainingVolume: 750}, slotOf(t, gdb, term.ID, 1).Content())
	assert.Equal(t, model.OccupiedSlot{BottleID: b.ID, RemainingVolume: 500}, slotOf(t, gdb, term.ID, 2).Content())
	assert.Equal(t, model.EmptySlot{}, slotOf(t, gdb, term.ID, 3).Content())

	// A: 10 - 3 assigned; slot 0 takes one, slot 1 refills in place, slots 2 and 3 return two.
	rowA := stockOf(t, gdb, a.ID)
	assert.Equal(t, 7-1+2, rowA.Quantity)
	assert.Equal(t, 3+1-2, rowA.CurrentInTerminals)
	rowB := stockOf(t, gdb, b.ID)
	assert.Equal(t, 9, rowB.Quantity)
	assert.Equal(t, 1, rowB.CurrentInTerminals)

	var count int64
	require.NoError(t, gdb.Model(&model.BottleUsageLog{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	require.NoError(t, s.ApplySlotPlan(ctx, term.ID, SlotPlan{0: &a.ID, 1: &a.ID}))
	assert.Equal(t, rowA, stockOf(t, gdb, a.ID), "unchanged full slots leave stock alone")
	require.NoError(t, gdb.Model(&model.BottleUsageLog{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	err = s.ApplySlotPlan(ctx, term.ID, SlotPlan{8: &a.ID})
	requireCode(t, err, apperr.CodeInvalidSlot)

	missing := int64(999)
	err = s.ApplySlotPlan(ctx, term.ID, SlotPlan{0: nil, 4: &missing})
	requireCode(t, err, apperr.CodeNotFound)
	assert.NotNil(t, slotOf(t, gdb, term.ID, 0).BottleID, "plan is all or nothing")
}

func TestApplySlotPlanResubmitKeepsLastUnit(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	last := seedBottle(t, gdb, "Last", 750, 1)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: last.ID})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ApplySlotPlan(ctx, term.ID, SlotPlan{0: &last.ID}))
	}
	_, err = s.Consume(ctx, term.ID, 0, 250)
	require.NoError(t, err)
	require.NoError(t, s.ApplySlotPlan(ctx, term.ID, SlotPlan{0: &last.ID}))

	assert.Equal(t, model.OccupiedSlot{BottleID: last.ID, RemainingVolume: 750}, slotOf(t, gdb, term.ID, 0).Content())
	row := stockOf(t, gdb, last.ID)
	assert.Equal(t, 0, row.Quantity)
	assert.Equal(t, 1, row.CurrentInTerminals)
}

func TestUpdateStock(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	b := seedBottle(t, gdb, "Port", 500, 2)
	orphan := seedBottle(t, gdb, "Orphan", 500, -1)

	qty, err := s.UpdateStock(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, qty)

	_, err = s.UpdateStock(ctx, b.ID, -8)
	requireCode(t, err, apperr.CodeValidation)
	assert.Equal(t, 7, stockOf(t, gdb, b.ID).Quantity)

	qty, err = s.UpdateStock(ctx, b.ID, -7)
	require.NoError(t, err)
	assert.Zero(t, qty)

	_, err = s.UpdateStock(ctx, orphan.ID, 1)
	requireCode(t, err, apperr.CodeNotFound)

	row, err := s.ProvisionStock(ctx, orphan.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, row.Quantity)
	_, err = s.ProvisionStock(ctx, orphan.ID, 1)
	requireCode(t, err, apperr.CodeConflict)
	_, err = s.ProvisionStock(ctx, 999, 1)
	requireCode(t, err, apperr.CodeNotFound)
}

func TestCreateOrderIsAllOrNothing(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()

	first, err := s.CreateOrder(ctx, []string{"A", "B", "A", " "})
	require.NoError(t, err)

	var links int64
	require.NoError(t, gdb.Model(&model.OrderRFID{}).Where("order_id = ?", first.ID).Count(&links).Error)
	assert.Equal(t, int64(2), links)

	_, err = s.CreateOrder(ctx, []string{"B", "C"})
	requireCode(t, err, apperr.CodeRFIDInUse)
	details, ok := apperr.As(err).Details().([]CodeError)
	require.True(t, ok)
	require.Len(t, details, 1)
	assert.Equal(t, "B", details[0].Code)

	var rfids int64
	require.NoError(t, gdb.Model(&model.RFID{}).Where("code = ?", "C").Count(&rfids).Error)
	assert.Zero(t, rfids, "no rows for C may be created")
	var orders int64
	require.NoError(t, gdb.Model(&model.Order{}).Count(&orders).Error)
	assert.Equal(t, int64(1), orders)

	_, err = s.CreateOrder(ctx, nil)
	requireCode(t, err, apperr.CodeValidation)
}

func TestCompleteOrderReleasesRFIDs(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()

	first, err := s.CreateOrder(ctx, []string{"A"})
	require.NoError(t, err)
	second, err := s.CreateOrder(ctx, []string{"D"})
	require.NoError(t, err)

	err = s.AddRFID(ctx, second.ID, "A")
	requireCode(t, err, apperr.CodeRFIDInUse)

	free, err := s.IsCodeFree(ctx, "A")
	require.NoError(t, err)
	assert.False(t, free)

	require.NoError(t, s.CompleteOrder(ctx, first.ID))
	require.NoError(t, s.CompleteOrder(ctx, first.ID), "completing twice is harmless")

	var rfid model.RFID
	require.NoError(t, gdb.Where("code = ?", "A").First(&rfid).Error)
	assert.False(t, rfid.IsValid)

	free, err = s.IsCodeFree(ctx, "A")
	require.NoError(t, err)
	assert.True(t, free)

	require.NoError(t, s.AddRFID(ctx, second.ID, "A"))
	require.NoError(t, gdb.Where("code = ?", "A").First(&rfid).Error)
	assert.True(t, rfid.IsValid)

	requireCode(t, s.CompleteOrder(ctx, 999), apperr.CodeNotFound)
}

func TestAddRFIDRules(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, []string{"X"})
	require.NoError(t, err)

	require.NoError(t, s.AddRFID(ctx, order.ID, "X"), "same order is idempotent")
	require.NoError(t, s.AddRFID(ctx, order.ID, "Y"))

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got.RFIDs, 2)
	assert.Equal(t, "X", got.RFIDs[0].RFID.Code)
	assert.Equal(t, "Y", got.RFIDs[1].RFID.Code)

	requireCode(t, s.AddRFID(ctx, 999, "Z"), apperr.CodeNotFound)
	requireCode(t, s.AddRFID(ctx, order.ID, ""), apperr.CodeValidation)

	require.NoError(t, s.CompleteOrder(ctx, order.ID))
	requireCode(t, s.AddRFID(ctx, order.ID, "Z"), apperr.CodePrecondition)

	free, err := s.IsCodeFree(ctx, "never-seen")
	require.NoError(t, err)
	assert.True(t, free)
}

type dispenseFixture struct {
	store    *gormStore
	db       *gorm.DB
	terminal model.Terminal
	bottle   model.Bottle
	order    model.Order
}

func newDispenseFixture(t *testing.T, opts Options) dispenseFixture {
	t.Helper()
	s, gdb := newTestStore(t, opts)
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Riesling", 750, 1)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	require.NoError(t, err)
	order, err := s.CreateOrder(ctx, []string{"A"})
	require.NoError(t, err)
	return dispenseFixture{store: s, db: gdb, terminal: term, bottle: b, order: order}
}

func TestDispenseFlow(t *testing.T) {
	f := newDispenseFixture(t, Options{})
	ctx := context.Background()

	res, err := f.store.Dispense(ctx, DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 0, Volume: 120})
	require.NoError(t, err)
	assert.Equal(t, f.order.ID, res.OrderID)
	assert.Equal(t, f.bottle.ID, res.BottleID)
	assert.Equal(t, 750.0, res.PreviousVolume)
	assert.Equal(t, 630.0, res.RemainingVolume)

	order, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 120.0, order.Items[0].Volume)
	assert.Equal(t, f.terminal.ID, order.Items[0].TerminalID)
	require.NotNil(t, order.Items[0].Bottle)
	assert.Equal(t, "Riesling", order.Items[0].Bottle.Name)

	var rfid model.RFID
	require.NoError(t, f.db.Where("code = ?", "A").First(&rfid).Error)
	assert.Equal(t, 1, rfid.UsageCount)
	assert.NotNil(t, rfid.LastUsed)
}

func TestDispenseFailuresLeaveNoTrace(t *testing.T) {
	f := newDispenseFixture(t, Options{})
	ctx := context.Background()
	_, err := f.store.Touch(ctx, "ORPHAN")
	require.NoError(t, err)

	cases := []struct {
		name string
		in   DispenseInput
		code apperr.Code
	}{
		{"unknown rfid", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "nope", SlotNumber: 0, Volume: 30}, apperr.CodeNotFound},
		{"no open order", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "ORPHAN", SlotNumber: 0, Volume: 30}, apperr.CodeNoActiveOrder},
		{"missing slot", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 11, Volume: 30}, apperr.CodeNotFound},
		{"empty slot", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 1, Volume: 30}, apperr.CodePrecondition},
		{"too much", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 0, Volume: 751}, apperr.CodeInsufficientVolume},
		{"non-positive", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 0, Volume: -5}, apperr.CodeValidation},
		{"blank code", DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "", SlotNumber: 0, Volume: 30}, apperr.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.Dispense(ctx, tc.in)
			requireCode(t, err, tc.code)
		})
	}

	var items int64
	require.NoError(t, f.db.Model(&model.OrderItem{}).Count(&items).Error)
	assert.Zero(t, items)
	assert.Equal(t, 750.0, slotOf(t, f.db, f.terminal.ID, 0).RemainingVolume)

	require.NoError(t, f.store.CompleteOrder(ctx, f.order.ID))
	_, err = f.store.Dispense(ctx, DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 0, Volume: 30})
	requireCode(t, err, apperr.CodeNoActiveOrder)
}

func TestDispenseRateLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newDispenseFixture(t, Options{
		RFID: config.RFIDConfig{MaxUsesPerWindow: 1, LimitWindow: 10 * time.Minute},
		Now:  clock,
	})
	ctx := context.Background()
	in := DispenseInput{TerminalID: f.terminal.ID, RFIDCode: "A", SlotNumber: 0, Volume: 30}

	_, err := f.store.Dispense(ctx, in)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = f.store.Dispense(ctx, in)
	requireCode(t, err, apperr.CodeRateLimit)

	var rfid model.RFID
	require.NoError(t, f.db.Where("code = ?", "A").First(&rfid).Error)
	assert.True(t, rfid.Limit)

	now = now.Add(5 * time.Minute)
	status, err := f.store.ValidateRFID(ctx, "A")
	require.NoError(t, err)
	assert.False(t, status.IsValid)
	assert.Equal(t, 5*time.Minute, status.Remaining)

	_, err = f.store.Dispense(ctx, in)
	requireCode(t, err, apperr.CodeRateLimit)

	now = now.Add(6 * time.Minute)
	released, err := f.store.ReleaseRFIDLimits(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	status, err = f.store.ValidateRFID(ctx, "A")
	require.NoError(t, err)
	assert.True(t, status.IsValid)

	res, err := f.store.Dispense(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 690.0, res.RemainingVolume)
}

func TestValidateRFID(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s, gdb := newTestStore(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	status, err := s.ValidateRFID(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, status.IsValid)

	_, err = s.CreateOrder(ctx, []string{"OK"})
	require.NoError(t, err)
	status, err = s.ValidateRFID(ctx, "OK")
	require.NoError(t, err)
	assert.True(t, status.IsValid)

	longAgo := now.Add(-time.Hour)
	require.NoError(t, gdb.Model(&model.RFID{}).Where("code = ?", "OK").
		Updates(map[string]any{"rate_limited": true, "last_used": longAgo, "usage_count": 4}).Error)
	status, err = s.ValidateRFID(ctx, "OK")
	require.NoError(t, err)
	assert.True(t, status.IsValid, "elapsed window releases the tag")

	var rfid model.RFID
	require.NoError(t, gdb.Where("code = ?", "OK").First(&rfid).Error)
	assert.False(t, rfid.Limit)
	assert.Zero(t, rfid.UsageCount)
}

func TestTerminalHeartbeatAndStaleness(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s, gdb := newTestStore(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	seen, _, err := s.RegisterTerminal(ctx, "SEEN")
	require.NoError(t, err)
	silent, _, err := s.RegisterTerminal(ctx, "SILENT")
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, seen.ID))
	requireCode(t, s.Heartbeat(ctx, 999), apperr.CodeNotFound)

	now = now.Add(10 * time.Minute)
	n, err := s.MarkStaleTerminals(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTerminal(ctx, seen.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TerminalConnectionLost, got.Status)
	require.Len(t, got.Slots, model.SlotCount)
	got, err = s.GetTerminal(ctx, silent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TerminalActive, got.Status)

	require.NoError(t, s.Heartbeat(ctx, seen.ID))
	var term model.Terminal
	require.NoError(t, gdb.First(&term, seen.ID).Error)
	assert.Equal(t, model.TerminalActive, term.Status)

	prev, err := s.SetTerminalStatus(ctx, seen.ID, model.TerminalMaintenance)
	require.NoError(t, err)
	assert.Equal(t, model.TerminalActive, prev)
	_, err = s.SetTerminalStatus(ctx, seen.ID, "Exploded")
	requireCode(t, err, apperr.CodeValidation)

	list, err := s.ListTerminals(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestTerminalBottles(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Barolo", 750, 2)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 5, BottleID: b.ID})
	require.NoError(t, err)

	slots, err := s.TerminalBottles(ctx, term.ID)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 5, slots[0].SlotNumber)
	require.NotNil(t, slots[0].Bottle)
	assert.Equal(t, "Barolo", slots[0].Bottle.Name)

	_, err = s.TerminalBottles(ctx, 999)
	requireCode(t, err, apperr.CodeNotFound)
}

func TestUpdateBottleGuardsRemainingVolume(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Tempranillo", 750, 1)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	require.NoError(t, err)

	_, _, err = s.UpdateBottle(ctx, b.ID, func(bottle *model.Bottle) error {
		bottle.Volume = 500
		return nil
	})
	requireCode(t, err, apperr.CodePrecondition)

	before, after, err := s.UpdateBottle(ctx, b.ID, func(bottle *model.Bottle) error {
		bottle.Description = "Dry red"
		bottle.ID = 12345
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "", before.Description)
	assert.Equal(t, "Dry red", after.Description)
	assert.Equal(t, b.ID, after.ID)

	err = s.CreateBottle(ctx, &model.Bottle{Name: " ", Volume: 750})
	requireCode(t, err, apperr.CodeValidation)
	nb := &model.Bottle{Name: "New", Volume: 375}
	require.NoError(t, s.CreateBottle(ctx, nb))
	assert.NotZero(t, nb.ID)

	all, err := s.ListBottles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUsers(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	u := &model.User{Email: " Alice@Example.com ", HashedPassword: "x", IsActive: true}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, model.RoleUser, u.Role)

	err := s.CreateUser(ctx, &model.User{Email: "ALICE@example.com", HashedPassword: "y"})
	requireCode(t, err, apperr.CodeConflict)

	require.NoError(t, s.CreateUser(ctx, &model.User{Email: "bob@example.com", HashedPassword: "y", IsActive: false}))

	got, err := s.GetUserByEmail(ctx, "ALICE@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	blocked, err := s.ListUsers(ctx, UsersBlocked, Page{})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "bob@example.com", blocked[0].Email)

	unverified, err := s.ListUsers(ctx, UsersUnverified, Page{})
	require.NoError(t, err)
	assert.Len(t, unverified, 2)

	_, err = s.ListUsers(ctx, UserFilter("weird"), Page{})
	requireCode(t, err, apperr.CodeValidation)

	before, after, err := s.MutateUser(ctx, u.ID, func(m *model.User) error {
		m.Role = model.RoleAdmin
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, before.Role)
	assert.Equal(t, model.RoleAdmin, after.Role)

	_, _, err = s.MutateUser(ctx, 999, func(*model.User) error { return nil })
	requireCode(t, err, apperr.CodeNotFound)
}

func TestSubscriptions(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	t1, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	t2, _, err := s.RegisterTerminal(ctx, "T-2")
	require.NoError(t, err)

	sub := model.PushSubscription{Endpoint: "https://push.example/1", P256DH: "key", Auth: "auth"}
	require.NoError(t, s.SaveSubscription(ctx, sub, []int64{t1.ID, t2.ID}))
	require.NoError(t, s.SaveSubscription(ctx, sub, []int64{t2.ID}))

	got, err := s.GetSubscription(ctx, sub.Endpoint)
	require.NoError(t, err)
	require.Len(t, got.Terminals, 1)
	assert.Equal(t, t2.ID, got.Terminals[0].ID)

	subs, err := s.SubscriptionsForTerminal(ctx, t2.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	subs, err = s.SubscriptionsForTerminal(ctx, t1.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	require.NoError(t, s.DeleteSubscription(ctx, sub.Endpoint))
	_, err = s.GetSubscription(ctx, sub.Endpoint)
	requireCode(t, err, apperr.CodeNotFound)
}

func TestListings(t *testing.T) {
	s, gdb := newTestStore(t, Options{})
	ctx := context.Background()
	term, _, err := s.RegisterTerminal(ctx, "T-1")
	require.NoError(t, err)
	b := seedBottle(t, gdb, "Malbec", 750, 1)
	_, _, err = s.AssignBottle(ctx, AssignInput{TerminalID: term.ID, SlotNumber: 0, BottleID: b.ID})
	require.NoError(t, err)
	_, err = s.Consume(ctx, term.ID, 0, 30)
	require.NoError(t, err)
	_, _, err = s.ClearSlot(ctx, term.ID, 0)
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, []string{"L1"})
	require.NoError(t, err)

	usage, err := s.ListUsage(ctx, Page{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 30.0, usage[0].UsedVolume)
	require.NotNil(t, usage[0].Bottle)

	stock, err := s.ListWarehouse(ctx)
	require.NoError(t, err)
	require.Len(t, stock, 1)
	assert.Equal(t, "Malbec", stock[0].Bottle.Name)

	orders, err := s.ListOrders(ctx, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Len(t, orders[0].RFIDs, 1)
}
