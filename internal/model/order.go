package model

import "time"

// RFID is a tag that can be linked to an order.
// Limit is set when the tag exceeded its dispense rate.
type RFID struct {
	ID         int64      `gorm:"primaryKey" json:"id"`
	Code       string     `gorm:"uniqueIndex;size:128;not null" json:"code"`
	IsValid    bool       `gorm:"not null" json:"is_valid"`
	Limit      bool       `gorm:"column:rate_limited;not null" json:"limit"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	UsageCount int        `gorm:"not null" json:"usage_count"`
}

func (RFID) TableName() string { return "rfids" }

// Order groups RFID scans and the dispenses made with them.
type Order struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	IsCompleted bool      `gorm:"index;not null" json:"is_completed"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`

	// Associations
	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	RFIDs []OrderRFID `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"rfids,omitempty"`
}

// OrderItem is a single dispense attributed to an order.
type OrderItem struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	OrderID    int64     `gorm:"index;not null" json:"order_id"`
	BottleID   int64     `gorm:"index;not null" json:"bottle_id"`
	TerminalID int64     `gorm:"index;not null" json:"terminal_id"`
	SlotNumber int       `gorm:"not null" json:"slot_number"`
	Volume     float64   `gorm:"not null" json:"volume"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`

	Bottle *Bottle `json:"bottle,omitempty"`
}

// OrderRFID links an RFID to an order.
type OrderRFID struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	OrderID   int64     `gorm:"not null;uniqueIndex:idx_order_rfid" json:"order_id"`
	RFIDID    int64     `gorm:"column:rfid_id;not null;uniqueIndex:idx_order_rfid;index" json:"rfid_id"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`

	RFID *RFID `gorm:"foreignKey:RFIDID" json:"rfid,omitempty"`
}

func (OrderRFID) TableName() string { return "order_rfids" }
