package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleHealth is the unauthenticated liveness probe.
func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
