package store

import "time"

// AssignInput places a bottle into an empty slot.
// A nil Volume means the bottle's nominal volume.
type AssignInput struct {
	TerminalID int64
	SlotNumber int
	BottleID   int64
	Volume     *float64
}

// SlotPlan maps slot numbers to the bottle they should hold; nil clears the slot.
type SlotPlan map[int]*int64

// DispenseInput is a terminal's report of a poured volume.
type DispenseInput struct {
	TerminalID int64
	RFIDCode   string
	SlotNumber int
	Volume     float64
}

// DispenseResult describes a committed dispense.
type DispenseResult struct {
	OrderID         int64
	BottleID        int64
	PreviousVolume  float64
	RemainingVolume float64
}

// RFIDStatus is the terminal-facing view of a tag.
type RFIDStatus struct {
	IsValid   bool
	Remaining time.Duration
}

// CodeError reports why one RFID code could not be linked.
type CodeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserFilter selects a subset of users.
type UserFilter string

const (
	UsersAll        UserFilter = "all"
	UsersBlocked    UserFilter = "blocked"
	UsersUnblocked  UserFilter = "unblocked"
	UsersUnverified UserFilter = "unverified"
)

// Page bounds a listing.
type Page struct {
	Skip  int
	Limit int
}

func (p Page) normalize() Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	return p
}
