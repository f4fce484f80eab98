package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
)

func (h *Handler) handlePayment(c *gin.Context) {
	if h.billing == nil {
		h.writeError(c, apperror.New(apperror.KindUpstreamBusy, "Payments are not available right now."))
		return
	}

	confirmation, err := h.billing.Confirm(c.Request.Context(), c.Query("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"plan":       confirmation.Plan,
		"expires_at": confirmation.ExpiresAt.Format(time.RFC3339),
	})
}
