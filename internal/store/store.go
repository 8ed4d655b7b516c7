package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"winedispense-backend/config"
	"winedispense-backend/internal/metrics"
	"winedispense-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	// Terminals and slots
	RegisterTerminal(ctx context.Context, serial string) (model.Terminal, bool, error)
	GetTerminal(ctx context.Context, id int64) (model.Terminal, error)
	ListTerminals(ctx context.Context) ([]model.Terminal, error)
	SetTerminalStatus(ctx context.Context, id int64, status model.TerminalStatus) (model.TerminalStatus, error)
	Heartbeat(ctx context.Context, id int64) error
	TerminalBottles(ctx context.Context, id int64) ([]model.TerminalSlot, error)
	AssignBottle(ctx context.Context, in AssignInput) (before, after model.TerminalSlot, err error)
	ClearSlot(ctx context.Context, terminalID int64, slotNumber int) (before, after model.TerminalSlot, err error)
	ReplaceSlot(ctx context.Context, terminalID int64, slotNumber int, bottleID int64) (before, after model.TerminalSlot, err error)
	ResetSlotVolume(ctx context.Context, terminalID int64, slotNumber int, swapped bool) (before, after model.TerminalSlot, err error)
	ResetTerminal(ctx context.Context, terminalID int64) (int, error)
	ApplySlotPlan(ctx context.Context, terminalID int64, plan SlotPlan) error
	Consume(ctx context.Context, terminalID int64, slotNumber int, volume float64) (float64, error)
	Dispense(ctx context.Context, in DispenseInput) (DispenseResult, error)

	// Orders and RFID ledger
	CreateOrder(ctx context.Context, codes []string) (model.Order, error)
	AddRFID(ctx context.Context, orderID int64, code string) error
	CompleteOrder(ctx context.Context, orderID int64) error
	GetOrder(ctx context.Context, orderID int64) (model.Order, error)
	ListOrders(ctx context.Context, page Page) ([]model.Order, error)
	IsCodeFree(ctx context.Context, code string) (bool, error)
	Touch(ctx context.Context, code string) (model.RFID, error)
	ValidateRFID(ctx context.Context, code string) (RFIDStatus, error)

	// Warehouse and catalog
	UpdateStock(ctx context.Context, bottleID int64, delta int) (int, error)
	ProvisionStock(ctx context.Context, bottleID int64, quantity int) (model.WarehouseBottle, error)
	ListWarehouse(ctx context.Context) ([]model.WarehouseBottle, error)
	ListBottles(ctx context.Context) ([]model.Bottle, error)
	GetBottle(ctx context.Context, id int64) (model.Bottle, error)
	CreateBottle(ctx context.Context, b *model.Bottle) error
	UpdateBottle(ctx context.Context, id int64, fn func(*model.Bottle) error) (model.Bottle, model.Bottle, error)
	ListUsage(ctx context.Context, page Page) ([]model.BottleUsageLog, error)

	// Users
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	ListUsers(ctx context.Context, filter UserFilter, page Page) ([]model.User, error)
	MutateUser(ctx context.Context, id int64, fn func(*model.User) error) (model.User, model.User, error)

	// Push subscriptions
	SaveSubscription(ctx context.Context, sub model.PushSubscription, terminalIDs []int64) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	SubscriptionsForTerminal(ctx context.Context, terminalID int64) ([]model.PushSubscription, error)

	// Housekeeping
	MarkStaleTerminals(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseRFIDLimits(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tunes the GORM store.
type Options struct {
	Retry   config.RetryConfig
	RFID    config.RFIDConfig
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db      *gorm.DB
	retry   config.RetryConfig
	rfid    config.RFIDConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts Options) Store {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry.MaxRetries = 5
	}
	if opts.Retry.BaseBackoff <= 0 {
		opts.Retry.BaseBackoff = 20 * time.Millisecond
	}
	if opts.Retry.MaxBackoff <= 0 {
		opts.Retry.MaxBackoff = time.Second
	}
	if opts.RFID.LimitWindow <= 0 {
		opts.RFID.LimitWindow = 10 * time.Minute
	}
	return &gormStore{
		db:      db,
		retry:   opts.Retry,
		rfid:    opts.RFID,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}
