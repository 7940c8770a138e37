package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voragate/gateway/pkg/api"
)

// ClientLimiter applies a per-IP token bucket in front of the router. This
// is a blunt transport guard; the caller/provider sliding window inside the
// gateway does the accounting that matters.
type ClientLimiter struct {
	mu      sync.RWMutex
	clients map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
	logger  *zap.Logger
}

func NewClientLimiter(rps float64, burst int, logger *zap.Logger) *ClientLimiter {
	return &ClientLimiter{
		clients: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		logger:  logger,
	}
}

func (cl *ClientLimiter) limiterFor(ip string) *rate.Limiter {
	cl.mu.RLock()
	l, ok := cl.clients[ip]
	cl.mu.RUnlock()
	if ok {
		return l
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if l, ok = cl.clients[ip]; ok {
		return l
	}
	l = rate.NewLimiter(cl.rps, cl.burst)
	cl.clients[ip] = l
	return l
}

func (cl *ClientLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !cl.limiterFor(ip).Allow() {
			cl.logger.Warn("client rate ceiling hit",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, api.ErrorResponse{Message: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
