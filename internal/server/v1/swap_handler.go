package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voragate/gateway/internal/swap"
	"github.com/voragate/gateway/pkg/api"
)

type swapRequest struct {
	Category string `json:"category" binding:"required"`
	Model    string `json:"model" binding:"required"`
}

// HandleSwapStatuses lists every workload category's loaded model and state.
func (h *Handler) HandleSwapStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.swaps.Statuses(),
	})
}

// HandleSwap triggers a manual model swap for one category.
func (h *Handler) HandleSwap(c *gin.Context) {
	var req swapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(h.validator.ParseError(err)))
		return
	}

	if err := h.swaps.SwapTo(c.Request.Context(), req.Category, req.Model, swap.TriggerManual); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"category": req.Category, "model": req.Model})
}
