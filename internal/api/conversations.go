package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (h *Handler) handleListConversations(c *gin.Context) {
	userID, err := callerID(c, c.Query("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	conversations := h.companion.ListConversations(c.Request.Context(), userID, limit)
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) handleConversationMessages(c *gin.Context) {
	userID, err := callerID(c, c.Query("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	messages, err := h.companion.LoadTurns(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "messages": messages})
}

func (h *Handler) handleDeleteConversation(c *gin.Context) {
	userID, err := callerID(c, c.Query("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.companion.DeleteConversation(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) handleUsage(c *gin.Context) {
	userID, err := callerID(c, c.Query("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	usage, err := h.companion.Usage(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": usage})
}
