package model

import "time"

// Bottle is a catalog entry for a wine.
type Bottle struct {
	ID            int64   `gorm:"primaryKey" json:"id"`
	Name          string  `gorm:"size:256;not null" json:"name"`
	Winery        string  `gorm:"size:256;not null" json:"winery"`
	RatingAverage float64 `gorm:"not null" json:"rating_average"`
	Location      string  `gorm:"size:256" json:"location"`
	ImagePath300  string  `gorm:"column:image_path300;size:512" json:"image_path300"`
	ImagePath600  string  `gorm:"column:image_path600;size:512" json:"image_path600"`
	Description   string  `gorm:"type:text" json:"description"`
	WineType      string  `gorm:"size:64" json:"wine_type"`
	Volume        float64 `gorm:"not null" json:"volume"`
}

// WarehouseBottle is the stock ledger for one bottle type.
type WarehouseBottle struct {
	ID                 int64 `gorm:"primaryKey" json:"id"`
	BottleID           int64 `gorm:"uniqueIndex;not null" json:"bottle_id"`
	Quantity           int   `gorm:"not null" json:"quantity"`
	CurrentInTerminals int   `gorm:"not null" json:"current_in_terminals"`

	Bottle *Bottle `gorm:"constraint:OnDelete:RESTRICT" json:"bottle,omitempty"`
}

// BottleUsageLog records volume consumed from a slot between resets.
type BottleUsageLog struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	TerminalID int64     `gorm:"index;not null" json:"terminal_id"`
	BottleID   int64     `gorm:"index;not null" json:"bottle_id"`
	UsageDate  time.Time `gorm:"not null" json:"usage_date"`
	UsedVolume float64   `gorm:"not null" json:"used_volume"`

	Bottle *Bottle `json:"bottle,omitempty"`
}

func (BottleUsageLog) TableName() string { return "bottle_usage_log" }
