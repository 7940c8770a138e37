package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voragate/gateway/pkg/api"
)

// ErrorHandler renders errors collected by handlers as RFC 9457 problem
// documents.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var problem *api.Problem
		if errors.As(err, &problem) {
			if problem.Log != nil {
				logger.Error("request failed", zap.Error(problem.Log))
			}
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		var appErr *api.Error
		if errors.As(err, &appErr) {
			if appErr.Log != nil {
				logger.Error("request failed", zap.Error(appErr.Log))
			}
			c.JSON(appErr.Code, api.NewProblem(appErr.Code, http.StatusText(appErr.Code), appErr.Message))
			c.Abort()
			return
		}

		var ge *api.GatewayError
		if errors.As(err, &ge) {
			c.JSON(statusOfKind(ge.Kind), problemOf(ge))
			c.Abort()
			return
		}

		logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.NewProblem(
			http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred",
		))
		c.Abort()
	}
}

func problemOf(ge *api.GatewayError) *api.Problem {
	opts := []api.ProblemOption{api.WithExtension("kind", string(ge.Kind))}
	if ge.RetryAfter > 0 {
		opts = append(opts, api.WithExtension("retry_after_seconds", int(ge.RetryAfter.Seconds()+0.999)))
	}
	if len(ge.Causes) > 0 {
		opts = append(opts, api.WithExtension("causes", ge.Causes))
	}
	status := statusOfKind(ge.Kind)
	return api.NewProblem(status, http.StatusText(status), ge.Message, opts...)
}

func statusOfKind(k api.ErrorKind) int {
	switch k {
	case api.KindRateLimited, api.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case api.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case api.KindAuthentication:
		return http.StatusBadGateway
	case api.KindTimeout:
		return http.StatusGatewayTimeout
	case api.KindAllProvidersExhausted:
		return http.StatusServiceUnavailable
	case api.KindCancelled:
		return 499 // client closed request
	case api.KindDuplicateProvider:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterHeader sets the advisory header on rate-limit rejections before
// the problem body renders.
func RetryAfterHeader(c *gin.Context, err error) {
	var ge *api.GatewayError
	if errors.As(err, &ge) && ge.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(ge.RetryAfter.Seconds()+0.999)))
	}
}
