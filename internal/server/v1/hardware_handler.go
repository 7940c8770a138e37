package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voragate/gateway/pkg/api"
)

// HandleDeviceTier returns the cached hardware classification.
func (h *Handler) HandleDeviceTier(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.DeviceTier(c.Request.Context()))
}

// HandleRescan reprobes the hardware immediately.
func (h *Handler) HandleRescan(c *gin.Context) {
	info, err := h.service.ForceRescan(c.Request.Context())
	if err != nil {
		_ = c.Error(api.InternalError("hardware rescan failed", err))
		return
	}
	c.JSON(http.StatusOK, info)
}
