package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/companion"
	"github.com/wuwenbin0122/aidanna/internal/models"
)

type chatRequest struct {
	Prompt         string                 `json:"prompt"`
	Mode           string                 `json:"mode"`
	UserID         string                 `json:"userId"`
	ConversationID string                 `json:"conversationId"`
	Language       string                 `json:"language"`
	VoiceResponse  bool                   `json:"voiceResponse"`
	Voice          string                 `json:"voice"`
	Files          []companion.Attachment `json:"files"`
}

type chatResponse struct {
	Response       string                `json:"response"`
	Audio          string                `json:"audio,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Usage          *models.UsageSnapshot `json:"usage,omitempty"`
}

func (r chatRequest) toCompanion(userID string) companion.ChatRequest {
	return companion.ChatRequest{
		Prompt:         r.Prompt,
		Mode:           r.Mode,
		UserID:         userID,
		ConversationID: r.ConversationID,
		Language:       r.Language,
		VoiceResponse:  r.VoiceResponse,
		Voice:          r.Voice,
		Files:          r.Files,
	}
}

func newChatResponse(result *companion.ChatResult) chatResponse {
	resp := chatResponse{
		Response:       result.Response,
		ConversationID: result.ConversationID,
		Usage:          result.Usage,
	}
	if len(result.Audio) > 0 {
		resp.Audio = base64.StdEncoding.EncodeToString(result.Audio)
	}
	return resp
}

func (h *Handler) handleChat(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxChatBodyBytes)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperror.Wrap(apperror.KindInvalidInput, "invalid request payload", err))
		return
	}

	userID, err := callerID(c, req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.companion.Chat(c.Request.Context(), req.toCompanion(userID))

	if ctxErr := c.Request.Context().Err(); ctxErr != nil {
		h.logger.Infow("client went away before the reply was ready", "user_id", userID, "error", ctxErr, "failed", err != nil)
		c.Abort()
		return
	}

	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newChatResponse(result))
}
