package model

import "time"

// SlotCount is the fixed number of bottle positions on every terminal.
const SlotCount = 8

// TerminalStatus is the operational state reported for a terminal.
type TerminalStatus string

const (
	TerminalActive         TerminalStatus = "Active"
	TerminalBroken         TerminalStatus = "Broken"
	TerminalMaintenance    TerminalStatus = "Under Maintenance"
	TerminalUpdating       TerminalStatus = "Updating"
	TerminalSwitchedOff    TerminalStatus = "Switched off"
	TerminalConnectionLost TerminalStatus = "Connection lost"
)

// Valid reports whether s is one of the known statuses.
func (s TerminalStatus) Valid() bool {
	switch s {
	case TerminalActive, TerminalBroken, TerminalMaintenance,
		TerminalUpdating, TerminalSwitchedOff, TerminalConnectionLost:
		return true
	}
	return false
}

// Terminal represents a registered dispensing terminal.
type Terminal struct {
	ID               int64          `gorm:"primaryKey" json:"id"`
	Serial           string         `gorm:"uniqueIndex;size:128;not null" json:"serial"`
	RegistrationDate time.Time      `gorm:"not null" json:"registration_date"`
	Status           TerminalStatus `gorm:"size:32;not null" json:"status"`
	LastSeenAt       *time.Time     `json:"last_seen_at,omitempty"`

	// Associations
	Slots []TerminalSlot `gorm:"foreignKey:TerminalID;constraint:OnDelete:CASCADE" json:"slots,omitempty"`
}

// TerminalSlot is one of a terminal's fixed bottle positions.
// A nil BottleID means the slot is empty.
type TerminalSlot struct {
	ID              int64   `gorm:"primaryKey" json:"id"`
	TerminalID      int64   `gorm:"not null;uniqueIndex:idx_terminal_slot" json:"terminal_id"`
	SlotNumber      int     `gorm:"not null;uniqueIndex:idx_terminal_slot" json:"slot_number"`
	BottleID        *int64  `gorm:"index" json:"bottle_id"`
	RemainingVolume float64 `gorm:"not null" json:"remaining_volume"`

	Bottle *Bottle `gorm:"constraint:OnDelete:RESTRICT" json:"bottle,omitempty"`
}

// SlotContent is either EmptySlot or OccupiedSlot.
type SlotContent interface {
	isSlotContent()
}

// EmptySlot marks a slot with no bottle.
type EmptySlot struct{}

// OccupiedSlot holds the bottle in a slot and how much is left.
type OccupiedSlot struct {
	BottleID        int64
	RemainingVolume float64
}

func (EmptySlot) isSlotContent()    {}
func (OccupiedSlot) isSlotContent() {}

// Content returns the tagged view of the slot.
func (s TerminalSlot) Content() SlotContent {
	if s.BottleID == nil {
		return EmptySlot{}
	}
	return OccupiedSlot{BottleID: *s.BottleID, RemainingVolume: s.RemainingVolume}
}

// ValidSlotNumber reports whether n addresses one of the fixed slots.
func ValidSlotNumber(n int) bool {
	return n >= 0 && n < SlotCount
}
