package model

import "time"

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"auth"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`

	// Associations
	Terminals []*Terminal `gorm:"many2many:subscription_terminal_mapping;" json:"-"`
}

// All lists every model managed by migrations.
func All() []any {
	return []any{
		&Bottle{},
		&Terminal{},
		&TerminalSlot{},
		&WarehouseBottle{},
		&BottleUsageLog{},
		&RFID{},
		&Order{},
		&OrderItem{},
		&OrderRFID{},
		&User{},
		&PushSubscription{},
	}
}
