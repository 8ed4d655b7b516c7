package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/apperr"
)

type createOrderRequest struct {
	RFIDs []string `json:"rfids" binding:"required,min=1,dive,rfid"`
}

type addRFIDRequest struct {
	RFIDCode string `form:"rfid_code" json:"rfid_code" binding:"required,rfid"`
}

type checkRFIDRequest struct {
	RFID string `json:"rfid" form:"rfid" binding:"required,rfid"`
}

// CreateOrder opens an order for a set of RFID tags. Either every tag is
// linked or none is, and the response lists each tag that is still busy.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	order, err := h.store.CreateOrder(c.Request.Context(), req.RFIDs)
	if apperr.Is(err, apperr.CodeRFIDInUse) {
		typed := apperr.As(err)
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"errors":  typed.Details(),
			"detail":  typed.Message(),
			"code":    typed.Code(),
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Audit(c.Request.Context(), "order.create", nil, gin.H{"order_id": order.ID, "rfids": req.RFIDs})
	success(c, gin.H{"order_id": order.ID})
}

// AddRFIDToOrder links another tag to an open order.
func (h *Handler) AddRFIDToOrder(c *gin.Context) {
	orderID, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req addRFIDRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.store.AddRFID(c.Request.Context(), orderID, req.RFIDCode); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "order.add_rfid", nil, gin.H{"order_id": orderID, "rfid": req.RFIDCode})
	success(c, nil)
}

// CompleteOrder closes an order and frees its tags.
func (h *Handler) CompleteOrder(c *gin.Context) {
	orderID, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.store.CompleteOrder(c.Request.Context(), orderID); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "order.complete", nil, gin.H{"order_id": orderID})
	success(c, nil)
}

func (h *Handler) ListOrders(c *gin.Context) {
	var q pageQuery
	if err := h.bindQuery(c, &q); err != nil {
		h.fail(c, err)
		return
	}
	orders, err := h.store.ListOrders(c.Request.Context(), q.page())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// GetOrder returns an order with its linked tags and poured items.
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	order, err := h.store.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CheckRFID answers with a bare boolean: true when the tag can join a new order.
func (h *Handler) CheckRFID(c *gin.Context) {
	var req checkRFIDRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	free, err := h.store.IsCodeFree(c.Request.Context(), req.RFID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, free)
}

// ValidateRFID tells a terminal whether a tag may pour right now.
func (h *Handler) ValidateRFID(c *gin.Context) {
	code := c.Param("code")
	if !rfidCodeRe.MatchString(code) {
		h.failTerminal(c, apperr.New(apperr.CodeValidation, "malformed rfid code"))
		return
	}
	status, err := h.store.ValidateRFID(c.Request.Context(), code)
	if err != nil {
		h.failTerminal(c, err)
		return
	}
	body := gin.H{"is_valid": status.IsValid}
	if status.Remaining > 0 {
		body["remaining_seconds"] = int(status.Remaining.Seconds() + 0.5)
	}
	c.JSON(http.StatusOK, body)
}
