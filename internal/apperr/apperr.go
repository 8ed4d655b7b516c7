package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeInvalidSlot        Code = "INVALID_SLOT"
	CodePrecondition       Code = "PRECONDITION_FAILED"
	CodeOutOfStock         Code = "OUT_OF_STOCK"
	CodeInsufficientVolume Code = "INSUFFICIENT_VOLUME"
	CodeRFIDInUse          Code = "RFID_IN_USE"
	CodeNoActiveOrder      Code = "NO_ACTIVE_ORDER"
	CodeRateLimit          Code = "RATE_LIMITED"
	CodeTransient          Code = "TRANSIENT_CONFLICT"
	CodeInternal           Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus     int
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeUnauthorized: {
		HTTPStatus:    http.StatusUnauthorized,
		PublicMessage: "authentication required",
	},
	CodeForbidden: {
		HTTPStatus:    http.StatusForbidden,
		PublicMessage: "access denied",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
	},
	CodeConflict: {
		HTTPStatus:     http.StatusConflict,
		PublicMessage:  "conflict detected",
		DetailsAllowed: true,
	},
	CodeInvalidSlot: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "slot number out of range",
	},
	CodePrecondition: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "precondition failed",
	},
	CodeOutOfStock: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "bottle is out of stock",
	},
	CodeInsufficientVolume: {
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "insufficient volume in slot",
		DetailsAllowed: true,
	},
	CodeRFIDInUse: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "rfid already linked to an open order",
		DetailsAllowed: true,
	},
	CodeNoActiveOrder: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "no open order for rfid",
	},
	CodeRateLimit: {
		HTTPStatus:    http.StatusTooManyRequests,
		PublicMessage: "rate limit exceeded",
	},
	CodeTransient: {
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "transaction could not be committed",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "internal server error",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a business failure carrying a stable code.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts the first *Error in err's chain.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}
