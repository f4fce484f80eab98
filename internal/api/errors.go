package api

import (
	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
	"github.com/wuwenbin0122/aidanna/internal/models"
)

type errorResponse struct {
	Error           string                `json:"error"`
	UpgradeRequired bool                  `json:"upgrade_required,omitempty"`
	Usage           *models.UsageSnapshot `json:"usage,omitempty"`
}

func newErrorResponse(appErr *apperror.Error) errorResponse {
	return errorResponse{
		Error:           appErr.Message,
		UpgradeRequired: appErr.UpgradeRequired,
		Usage:           appErr.Usage,
	}
}

// writeError renders err as the error envelope. Internal detail is logged, never sent.
func (h *Handler) writeError(c *gin.Context, err error) {
	appErr := apperror.Normalize(err)
	status := appErr.Status()

	if appErr.Internal != nil {
		_ = c.Error(appErr.Internal)
		if status >= 500 {
			h.logger.Errorw("request failed", "path", c.FullPath(), "kind", appErr.Kind, "error", appErr.Internal)
		} else {
			h.logger.Infow("request rejected", "path", c.FullPath(), "kind", appErr.Kind, "error", appErr.Internal)
		}
	}

	c.AbortWithStatusJSON(status, newErrorResponse(appErr))
}
