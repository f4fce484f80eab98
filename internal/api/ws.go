package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsReply struct {
	Type string `json:"type"`
	chatResponse
}

type wsError struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	errorResponse
}

// handleChatWebsocket serves chat turns over one connection: one request envelope per
// text frame, answered in order by one reply or error frame.
func (h *Handler) handleChatWebsocket(c *gin.Context) {
	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("chat websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxChatBodyBytes)

	ctx := c.Request.Context()
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("chat websocket closed unexpectedly: %v", err)
			}
			return
		}

		var req chatRequest
		if msgType != websocket.TextMessage {
			err = apperror.InvalidInput("expected a JSON text frame")
		} else if decodeErr := json.Unmarshal(payload, &req); decodeErr != nil {
			err = apperror.Wrap(apperror.KindInvalidInput, "invalid request payload", decodeErr)
		}
		if err != nil {
			if writeErr := conn.WriteJSON(h.wsErrorFrame(err)); writeErr != nil {
				return
			}
			continue
		}

		var frame any
		userID, err := callerID(c, req.UserID)
		if err == nil {
			result, chatErr := h.companion.Chat(ctx, req.toCompanion(userID))
			if chatErr != nil {
				err = chatErr
			} else {
				frame = wsReply{Type: "reply", chatResponse: newChatResponse(result)}
			}
		}
		if err != nil {
			frame = h.wsErrorFrame(err)
		}

		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Infow("chat websocket write failed; client gone", "user_id", userID, "error", err)
			return
		}
	}
}

func (h *Handler) wsErrorFrame(err error) wsError {
	appErr := apperror.Normalize(err)
	if appErr.Internal != nil && appErr.Status() >= 500 {
		h.logger.Errorw("chat websocket turn failed", "kind", appErr.Kind, "error", appErr.Internal)
	}
	return wsError{Type: "error", Status: appErr.Status(), errorResponse: newErrorResponse(appErr)}
}
