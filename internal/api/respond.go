package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/store"
)

type errorResponse struct {
	Detail  string      `json:"detail"`
	Code    apperr.Code `json:"code"`
	Details any         `json:"details,omitempty"`
}

type terminalResponse struct {
	IsValid bool   `json:"is_valid"`
	Message string `json:"message,omitempty"`
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// fail renders err for admin-facing routes.
func (h *Handler) fail(c *gin.Context, err error) {
	typed := h.classify(c, err)
	meta := apperr.MetadataFor(typed.Code())
	body := errorResponse{Detail: typed.Message(), Code: typed.Code()}
	if meta.DetailsAllowed {
		body.Details = typed.Details()
	}
	c.AbortWithStatusJSON(meta.HTTPStatus, body)
}

// failTerminal renders err in the minimal shape terminals understand.
func (h *Handler) failTerminal(c *gin.Context, err error) {
	typed := h.classify(c, err)
	meta := apperr.MetadataFor(typed.Code())
	c.AbortWithStatusJSON(meta.HTTPStatus, terminalResponse{IsValid: false, Message: typed.Message()})
}

// classify maps err onto a typed error. Server-side failures are logged with
// request context and replaced by an opaque message.
func (h *Handler) classify(c *gin.Context, err error) *apperr.Error {
	typed := apperr.As(err)
	if typed != nil && apperr.MetadataFor(typed.Code()).HTTPStatus < 500 {
		return typed
	}

	code := apperr.CodeInternal
	if typed != nil {
		code = typed.Code()
	}
	h.log.Event(c.Request.Context(), zerolog.ErrorLevel).
		Err(err).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Str("code", string(code)).
		Msg("request failed")
	return apperr.New(code, apperr.MetadataFor(code).PublicMessage)
}

// bind decodes the request into dst according to its content type.
func (h *Handler) bind(c *gin.Context, dst any) error {
	if err := c.ShouldBind(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func (h *Handler) bindQuery(c *gin.Context, dst any) error {
	if err := c.ShouldBindQuery(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		return apperr.New(apperr.CodeValidation, "request validation failed").WithDetails(fields)
	}
	return apperr.Wrap(apperr.CodeValidation, err, "malformed request: "+err.Error())
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.CodeValidation, "%s must be a positive integer", name)
	}
	return id, nil
}

func pathSlot(c *gin.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		return 0, apperr.Newf(apperr.CodeValidation, "slot must be an integer, got %q", c.Param("slot"))
	}
	return n, nil
}

type pageQuery struct {
	Skip  int `form:"skip" binding:"min=0"`
	Limit int `form:"limit" binding:"min=0,max=500"`
}

func (p pageQuery) page() store.Page {
	return store.Page{Skip: p.Skip, Limit: p.Limit}
}
