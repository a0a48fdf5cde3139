package middleware

import (
	"errors"
	"net/http"

	"trustwork/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ErrorBody struct {
	Code          errutil.CoreStatus `json:"code"`
	Message       string             `json:"message"`
	Details       []errutil.Detail   `json:"details,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// Error renders the last handler error as {"error":{...}}. Internal causes are logged under a
// correlation id and never returned to the caller.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		status, body := Render(c, c.Errors.Last().Err)
		c.AbortWithStatusJSON(status, gin.H{"error": body})
	}
}

// Render maps err to an HTTP status and response body.
func Render(c *gin.Context, err error) (int, ErrorBody) {
	var be errutil.BaseError
	if !errors.As(err, &be) {
		be = errutil.BaseError{Code: errutil.KindOf(err), Message: "internal error", Err: err}
		if be.Code == errutil.StatusConflict {
			be.Message = "resource already exists"
		}
	}

	body := ErrorBody{Code: be.Code, Message: be.Message, Details: be.Details}
	log := zap.L().With(
		zap.String("request_id", GetRequestID(c)),
		zap.String("path", c.FullPath()),
		zap.String("code", string(be.Code)),
	)

	switch be.Code {
	case errutil.StatusInternal:
		body.CorrelationID = uuid.NewString()
		body.Message = "internal error"
		log.Error("request failed", zap.String("correlation_id", body.CorrelationID), zap.Error(err))
	case errutil.StatusIntegrity, errutil.StatusGatewayPermanent:
		log.Warn("request rejected", zap.Error(err))
	case errutil.StatusGatewayRetryable:
		body.CorrelationID = uuid.NewString()
		log.Warn("gateway unavailable", zap.String("correlation_id", body.CorrelationID), zap.Error(err))
	default:
		log.Debug("request refused", zap.Error(err))
	}

	status := be.Code.HTTPStatus()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, body
}

// Abort records err for the Error middleware and stops the chain.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
