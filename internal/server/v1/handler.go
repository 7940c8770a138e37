package v1

import (
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/gateway"
	"github.com/voragate/gateway/internal/server/validator"
	"github.com/voragate/gateway/internal/swap"
)

// Handler serves the v1 API surface.
type Handler struct {
	service   *gateway.Service
	swaps     *swap.Controller
	validator *validator.Validator
	logger    *zap.Logger
}

func NewHandler(service *gateway.Service, swaps *swap.Controller, v *validator.Validator, logger *zap.Logger) *Handler {
	return &Handler{
		service:   service,
		swaps:     swaps,
		validator: v,
		logger:    logger,
	}
}
