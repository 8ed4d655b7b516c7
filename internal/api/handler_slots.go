package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/model"
	"winedispense-backend/internal/parse"
	"winedispense-backend/internal/store"
)

type addBottleRequest struct {
	TerminalID      int64    `json:"terminal_id" form:"terminal_id" binding:"required,gt=0"`
	SlotNumber      *int     `json:"slot_number" form:"slot_number" binding:"required"`
	BottleID        int64    `json:"bottle_id" form:"bottle_id" binding:"required,gt=0"`
	RemainingVolume *float64 `json:"remaining_volume" form:"remaining_volume" binding:"omitempty,gte=0"`
}

type replaceRequest struct {
	NewBottleID int64 `json:"new_bottle_id" form:"new_bottle_id" binding:"required,gt=0"`
}

type resetRequest struct {
	Swapped *bool `json:"swapped" form:"swapped"`
}

type statusRequest struct {
	Status model.TerminalStatus `json:"status" binding:"required"`
}

func success(c *gin.Context, extra gin.H) {
	body := gin.H{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// AddBottleToTerminal takes a bottle from the warehouse into an empty slot.
func (h *Handler) AddBottleToTerminal(c *gin.Context) {
	var req addBottleRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	before, slot, err := h.store.AssignBottle(c.Request.Context(), store.AssignInput{
		TerminalID: req.TerminalID,
		SlotNumber: *req.SlotNumber,
		BottleID:   req.BottleID,
		Volume:     req.RemainingVolume,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "slot.assign", before, slot)
	success(c, gin.H{"slot": slot})
}

// ClearSlot returns the bottle in a slot to the warehouse.
func (h *Handler) ClearSlot(c *gin.Context) {
	terminalID, slotNumber, ok := h.slotPath(c)
	if !ok {
		return
	}
	before, slot, err := h.store.ClearSlot(c.Request.Context(), terminalID, slotNumber)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "slot.clear", before, slot)
	success(c, nil)
}

// ReplaceSlot fills a cleared slot with another bottle.
func (h *Handler) ReplaceSlot(c *gin.Context) {
	terminalID, slotNumber, ok := h.slotPath(c)
	if !ok {
		return
	}
	var req replaceRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	before, slot, err := h.store.ReplaceSlot(c.Request.Context(), terminalID, slotNumber, req.NewBottleID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "slot.replace", before, slot)
	success(c, gin.H{"slot": slot})
}

// UpdateSlot resets a slot to the nominal volume of its bottle. Unless the
// request says otherwise the bottle counts as physically swapped.
func (h *Handler) UpdateSlot(c *gin.Context) {
	terminalID, slotNumber, ok := h.slotPath(c)
	if !ok {
		return
	}
	var req resetRequest
	if c.Request.ContentLength > 0 {
		if err := h.bind(c, &req); err != nil {
			h.fail(c, err)
			return
		}
	}
	swapped := req.Swapped == nil || *req.Swapped

	before, slot, err := h.store.ResetSlotVolume(c.Request.Context(), terminalID, slotNumber, swapped)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(h.log.WithField(c.Request.Context(), "swapped", swapped), "slot.reset", before, slot)
	success(c, gin.H{"slot": slot})
}

// UpdateTerminalBottles applies the bulk slot form in one unit of work.
func (h *Handler) UpdateTerminalBottles(c *gin.Context) {
	terminalID, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeValidation, err, "malformed form body"))
		return
	}
	plan, err := parse.SlotPlan(c.Request.PostForm)
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.CodeValidation, err, err.Error()))
		return
	}
	if err := h.store.ApplySlotPlan(c.Request.Context(), terminalID, plan); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "terminal.update_bottles", nil, plan)
	success(c, nil)
}

func (h *Handler) slotPath(c *gin.Context) (int64, int, bool) {
	terminalID, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return 0, 0, false
	}
	slotNumber, err := pathSlot(c)
	if err != nil {
		h.fail(c, err)
		return 0, 0, false
	}
	return terminalID, slotNumber, true
}

// ListTerminals returns every terminal with its slots.
func (h *Handler) ListTerminals(c *gin.Context) {
	terminals, err := h.store.ListTerminals(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, terminals)
}

func (h *Handler) GetTerminal(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	terminal, err := h.store.GetTerminal(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, terminal)
}

// SetTerminalStatus changes the operational status shown to operators.
func (h *Handler) SetTerminalStatus(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req statusRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if !req.Status.Valid() {
		h.fail(c, apperr.Newf(apperr.CodeValidation, "unknown terminal status %q", req.Status))
		return
	}
	old, err := h.store.SetTerminalStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "terminal.status", old, req.Status)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}
