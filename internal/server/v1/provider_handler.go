package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleListProviders returns every registered provider with its health,
// rolling error rate and latency estimate.
func (h *Handler) HandleListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.service.Providers(),
	})
}
