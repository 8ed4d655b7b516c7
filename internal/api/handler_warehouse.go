package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type updateStockRequest struct {
	BottleID int64 `json:"bottle_id" form:"bottle_id" binding:"required,gt=0"`
	Quantity *int  `json:"quantity" form:"quantity" binding:"required"`
}

type provisionRequest struct {
	BottleID int64 `json:"bottle_id" binding:"required,gt=0"`
	Quantity int   `json:"quantity" binding:"min=0"`
}

func (h *Handler) ListWarehouse(c *gin.Context) {
	rows, err := h.store.ListWarehouse(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// ProvisionStock creates the stock row of a bottle type.
func (h *Handler) ProvisionStock(c *gin.Context) {
	var req provisionRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	row, err := h.store.ProvisionStock(c.Request.Context(), req.BottleID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "warehouse.provision", nil, row)
	c.JSON(http.StatusCreated, row)
}

// UpdateStock adds quantity (which may be negative) to the warehouse count
// and returns the new count.
func (h *Handler) UpdateStock(c *gin.Context) {
	var req updateStockRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	quantity, err := h.store.UpdateStock(c.Request.Context(), req.BottleID, *req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "warehouse.update_stock",
		gin.H{"bottle_id": req.BottleID, "quantity": quantity - *req.Quantity},
		gin.H{"bottle_id": req.BottleID, "quantity": quantity})
	c.JSON(http.StatusOK, gin.H{"bottle_id": req.BottleID, "quantity": quantity})
}
