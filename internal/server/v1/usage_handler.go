package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voragate/gateway/pkg/api"
)

// HandleUsage reports spend for one caller over a rolling window. The
// window query parameter defaults to day.
func (h *Handler) HandleUsage(c *gin.Context) {
	window := api.Window(c.DefaultQuery("window", string(api.WindowDay)))

	report, err := h.service.Usage(c.Param("caller"), window)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}
