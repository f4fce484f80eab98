package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/auth"
	"github.com/wuwenbin0122/aidanna/internal/billing"
	"github.com/wuwenbin0122/aidanna/internal/companion"
)

const maxChatBodyBytes = (companion.MaxAttachments + 1) * companion.MaxAttachmentBytes

// Handler serves the companion HTTP API. A nil auth service disables token checks;
// a nil billing service disables payment confirmation.
type Handler struct {
	companion *companion.Service
	billing   *billing.Service
	auth      *auth.Service
	logger    *zap.SugaredLogger
}

func NewHandler(companionService *companion.Service, billingService *billing.Service, authService *auth.Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{companion: companionService, billing: billingService, auth: authService, logger: logger}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)

	apiGroup := router.Group("/api")
	apiGroup.GET("/payment", h.handlePayment)
	apiGroup.GET("/catalog", h.handleCatalog)

	secured := apiGroup.Group("")
	secured.Use(h.authenticate())
	secured.POST("/chat", h.handleChat)
	secured.POST("/generate", h.handleChat)
	secured.GET("/chat/ws", h.handleChatWebsocket)
	secured.GET("/usage", h.handleUsage)
	secured.GET("/conversations", h.handleListConversations)
	secured.GET("/conversations/:id/messages", h.handleConversationMessages)
	secured.DELETE("/conversations/:id", h.handleDeleteConversation)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCatalog lists the modes and voices a client may send.
func (h *Handler) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"modes":         companion.Modes(),
		"default_mode":  companion.DefaultMode,
		"voices":        companion.Voices(),
		"default_voice": companion.DefaultVoice,
	})
}
