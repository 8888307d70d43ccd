package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/allocator"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/apiserver/middleware"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/lifecycle"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/quota"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/templates"
)

const timeRFC3339Nano = time.RFC3339Nano

func callerFrom(c *gin.Context) lifecycle.Caller {
	return lifecycle.Caller{
		UserID: c.GetString(middleware.ContextUserID),
		Admin:  c.GetBool(middleware.ContextAdmin),
	}
}

func tierFrom(c *gin.Context) model.QuotaTier {
	tier := c.GetString(middleware.ContextTier)
	if tier == "" {
		return model.TierDefault
	}
	return model.QuotaTier(tier)
}

// writeError maps domain errors onto HTTP statuses with stable reason codes
// so clients can branch on `reason` instead of parsing messages.
func writeError(c *gin.Context, err error) {
	var quotaErr *quota.Error
	if errors.As(err, &quotaErr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":  quotaErr.Error(),
			"reason": quotaErr.Reason,
			"limit":  quotaErr.Limit,
			"used":   quotaErr.Used,
		})
		return
	}

	var validationErr *lifecycle.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  validationErr.Message,
			"reason": model.ReasonInvalidRequest,
		})
		return
	}

	switch {
	case errors.Is(err, allocator.ErrPortsExhausted):
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"reason": model.ReasonPortsExhausted,
		})
	case errors.Is(err, allocator.ErrInsufficientGPUCapacity):
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"reason": model.ReasonInsufficientGPUCapacity,
		})
	case errors.Is(err, lifecycle.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "access denied",
			"reason": model.ReasonAccessDenied,
		})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "environment not found",
			"reason": model.ReasonNotFound,
		})
	case errors.Is(err, templates.ErrNotFound):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  err.Error(),
			"reason": model.ReasonInvalidRequest,
		})
	case errors.Is(err, lifecycle.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"reason": model.ReasonInvalidRequest,
		})
	case runtime.IsUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  err.Error(),
			"reason": model.ReasonRuntimeUnavailable,
		})
	case runtime.IsRejected(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"reason": model.ReasonRuntimeRejected,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func formatTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}
