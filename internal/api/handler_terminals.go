package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/apperr"
	"winedispense-backend/internal/notification"
	"winedispense-backend/internal/store"
)

type registerTerminalRequest struct {
	Serial string `json:"serial" form:"serial" binding:"required,max=128"`
}

type terminalAuth struct {
	TerminalID int64  `json:"terminal_id" form:"terminal_id" binding:"required,gt=0"`
	Token      string `json:"token" form:"token" binding:"required"`
}

type useRequest struct {
	terminalAuth
	RFIDCode   string  `json:"rfid_code" form:"rfid_code" binding:"required,rfid"`
	SlotNumber *int    `json:"slot_number" form:"slot_number" binding:"required,min=0,max=7"`
	Volume     float64 `json:"volume" form:"volume" binding:"required,gt=0"`
}

// RegisterTerminal issues the terminal id and its token. Registering the same
// serial again returns the same pair.
func (h *Handler) RegisterTerminal(c *gin.Context) {
	var req registerTerminalRequest
	if err := h.bind(c, &req); err != nil {
		h.failTerminal(c, err)
		return
	}
	serial := strings.TrimSpace(req.Serial)
	if serial == "" {
		h.failTerminal(c, apperr.New(apperr.CodeValidation, "serial is required"))
		return
	}

	terminal, created, err := h.store.RegisterTerminal(c.Request.Context(), serial)
	if err != nil {
		h.failTerminal(c, err)
		return
	}
	signed, err := h.signer.IssueTerminal(terminal)
	if err != nil {
		h.failTerminal(c, err)
		return
	}
	if created {
		h.log.Audit(c.Request.Context(), "terminal.register", nil, terminal)
	}

	c.JSON(http.StatusOK, gin.H{"terminal_id": terminal.ID, "token": signed})
}

// authenticateTerminal checks the token against the terminal it claims to be.
func (h *Handler) authenticateTerminal(c *gin.Context, auth terminalAuth) bool {
	if _, err := h.signer.VerifyTerminal(auth.Token, auth.TerminalID); err != nil {
		h.failTerminal(c, apperr.Wrap(apperr.CodeForbidden, err, "invalid terminal token"))
		return false
	}
	c.Request = c.Request.WithContext(h.log.WithActor(c.Request.Context(), "terminal", auth.TerminalID))
	return true
}

// UseTerminal records a pour made with an RFID tag.
func (h *Handler) UseTerminal(c *gin.Context) {
	var req useRequest
	if err := h.bind(c, &req); err != nil {
		h.failTerminal(c, err)
		return
	}
	if !h.authenticateTerminal(c, req.terminalAuth) {
		return
	}

	result, err := h.store.Dispense(c.Request.Context(), store.DispenseInput{
		TerminalID: req.TerminalID,
		RFIDCode:   req.RFIDCode,
		SlotNumber: *req.SlotNumber,
		Volume:     req.Volume,
	})
	if err != nil {
		h.failTerminal(c, err)
		return
	}
	h.maybeAlert(c, req.TerminalID, *req.SlotNumber, result)

	c.JSON(http.StatusOK, gin.H{
		"is_valid":         true,
		"order_id":         result.OrderID,
		"remaining_volume": result.RemainingVolume,
	})
}

// maybeAlert queues a push when a pour takes a slot below the alert threshold.
func (h *Handler) maybeAlert(c *gin.Context, terminalID int64, slot int, result store.DispenseResult) {
	threshold := h.cfg.Terminal.LowVolumeAlertML
	if h.alerts == nil || threshold <= 0 {
		return
	}
	if result.PreviousVolume < threshold || result.RemainingVolume >= threshold {
		return
	}

	alert := notification.Alert{
		TerminalID:      terminalID,
		SlotNumber:      slot,
		BottleID:        result.BottleID,
		RemainingVolume: result.RemainingVolume,
	}
	if bottle, err := h.store.GetBottle(c.Request.Context(), result.BottleID); err == nil {
		alert.BottleName = bottle.Name
	}
	if !h.alerts.Dispatch(alert) {
		h.log.Warn(c.Request.Context(), "low volume alert dropped, queue full")
	}
}

// PingTerminal records a heartbeat.
func (h *Handler) PingTerminal(c *gin.Context) {
	var req terminalAuth
	if err := h.bind(c, &req); err != nil {
		h.failTerminal(c, err)
		return
	}
	if !h.authenticateTerminal(c, req) {
		return
	}
	if err := h.store.Heartbeat(c.Request.Context(), req.TerminalID); err != nil {
		h.failTerminal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_online": true})
}

// ResetTerminalBottles refills every occupied slot of the calling terminal to
// the nominal bottle volume.
func (h *Handler) ResetTerminalBottles(c *gin.Context) {
	var req terminalAuth
	if err := h.bind(c, &req); err != nil {
		h.failTerminal(c, err)
		return
	}
	if !h.authenticateTerminal(c, req) {
		return
	}
	n, err := h.store.ResetTerminal(c.Request.Context(), req.TerminalID)
	if err != nil {
		h.failTerminal(c, err)
		return
	}
	h.log.Audit(c.Request.Context(), "terminal.reset_bottles", nil, gin.H{"terminal_id": req.TerminalID, "slots": n})
	c.JSON(http.StatusOK, gin.H{"is_valid": true, "reset_slots": n})
}

type terminalBottle struct {
	SlotNumber      int     `json:"slot_number"`
	BottleID        int64   `json:"bottle_id"`
	Name            string  `json:"name"`
	Winery          string  `json:"winery"`
	WineType        string  `json:"wine_type"`
	ImagePath300    string  `json:"image_path300"`
	ImagePath600    string  `json:"image_path600"`
	RatingAverage   float64 `json:"rating_average"`
	Volume          float64 `json:"volume"`
	RemainingVolume float64 `json:"remaining_volume"`
}

// GetTerminalBottles lists what a terminal can pour, with the portion table.
func (h *Handler) GetTerminalBottles(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.failTerminal(c, err)
		return
	}
	slots, err := h.store.TerminalBottles(c.Request.Context(), id)
	if err != nil {
		h.failTerminal(c, err)
		return
	}

	bottles := make([]terminalBottle, 0, len(slots))
	for _, slot := range slots {
		if slot.BottleID == nil || slot.Bottle == nil {
			continue
		}
		b := slot.Bottle
		bottles = append(bottles, terminalBottle{
			SlotNumber:      slot.SlotNumber,
			BottleID:        b.ID,
			Name:            b.Name,
			Winery:          b.Winery,
			WineType:        b.WineType,
			ImagePath300:    b.ImagePath300,
			ImagePath600:    b.ImagePath600,
			RatingAverage:   b.RatingAverage,
			Volume:          b.Volume,
			RemainingVolume: slot.RemainingVolume,
		})
	}

	tc := h.cfg.Terminal
	c.JSON(http.StatusOK, gin.H{
		"bottles":  bottles,
		"portions": gin.H{"big": tc.BigPortionML, "small": tc.SmallPortionML},
		"volumes":  gin.H{"big": tc.BigPortionSeconds, "small": tc.SmallPortionSeconds},
	})
}
