package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetVAPIDPublicKey returns the VAPID public key to the client.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if !h.cfg.Push.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "vapid keys are not configured", "code": "PUSH_DISABLED"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"public_key": h.cfg.Push.PublicKey})
}
