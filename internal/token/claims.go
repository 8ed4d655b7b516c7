package token

import (
	"github.com/golang-jwt/jwt/v5"

	"winedispense-backend/internal/model"
)

// TerminalClaims bind a token to one registered terminal.
type TerminalClaims struct {
	TerminalID       int64  `json:"terminal_id"`
	RegistrationDate string `json:"registration_date"`
	Serial           string `json:"uid"`
	jwt.RegisteredClaims
}

// SessionClaims identify a logged-in user.
type SessionClaims struct {
	UserID int64      `json:"user_id"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}
