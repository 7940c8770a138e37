package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voragate/gateway/internal/server/middleware"
	"github.com/voragate/gateway/pkg/api"
)

// HandleExecute routes a request synchronously and returns the outcome.
func (h *Handler) HandleExecute(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	outcome, err := h.service.Execute(c.Request.Context(), req)
	if err != nil {
		middleware.RetryAfterHeader(c, err)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// HandleSubmit accepts a request for background execution and returns a
// handle immediately.
func (h *Handler) HandleSubmit(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	handle, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"handle": handle,
		"state":  api.StatePending,
	})
}

// HandleStatus reports the state of a background request.
func (h *Handler) HandleStatus(c *gin.Context) {
	status, err := h.service.Status(c.Param("handle"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleStream routes a streaming request over SSE. Provider failover only
// happens before the first event reaches the wire.
func (h *Handler) HandleStream(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	stream, err := h.service.ExecuteStream(c.Request.Context(), req)
	if err != nil {
		middleware.RetryAfterHeader(c, err)
		_ = c.Error(err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		chunk, open := <-stream
		if !open {
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return false
		}

		if chunk.Err != nil {
			body, _ := json.Marshal(gin.H{
				"error": chunk.Err.Error(),
				"kind":  string(api.KindOf(chunk.Err)),
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
			return false
		}

		body, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", body)
		return err == nil
	})
}

// bindRequest parses and validates the shared request body, defaulting the
// caller key to the authenticated identity.
func (h *Handler) bindRequest(c *gin.Context) (*api.Request, bool) {
	var req api.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(h.validator.ParseError(err)))
		return nil, false
	}
	if req.CallerKey == "" {
		req.CallerKey = middleware.CallerKey(c)
	}
	return &req, true
}
