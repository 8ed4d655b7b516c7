package model

import "time"

type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin || r == RoleSuperadmin
}

// User is an operator account.
type User struct {
	ID               int64      `gorm:"primaryKey" json:"id"`
	Email            string     `gorm:"uniqueIndex;size:320;not null" json:"email"`
	HashedPassword   string     `gorm:"size:1024;not null" json:"-"`
	Role             Role       `gorm:"size:32;not null" json:"role"`
	IsActive         bool       `gorm:"not null" json:"is_active"`
	IsSuperuser      bool       `gorm:"not null" json:"is_superuser"`
	IsVerified       bool       `gorm:"not null" json:"is_verified"`
	FirstName        string     `gorm:"size:128" json:"first_name"`
	LastName         string     `gorm:"size:128" json:"last_name"`
	MiddleName       string     `gorm:"size:128" json:"middle_name,omitempty"`
	PhoneNumber      string     `gorm:"size:32" json:"phone_number,omitempty"`
	RegistrationDate time.Time  `gorm:"not null" json:"registration_date"`
	BlockDate        *time.Time `json:"block_date,omitempty"`
}

// Blocked reports whether the account is currently blocked.
func (u User) Blocked() bool {
	return !u.IsActive
}
