package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"licensing-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error. Server-side
// faults keep their cause in the logs and out of the response body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if !errors.As(last.Err, &be) {
			be = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal server error", Err: last.Err}
		}

		if secs := be.RetryAfterSeconds(); secs > 0 {
			c.Header("Retry-After", strconv.Itoa(secs))
		}

		status := be.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("path", c.FullPath()),
				zap.String("code", string(be.Code)),
				zap.Error(be.Err),
			)
			be.Err = nil
		}

		c.AbortWithStatusJSON(status, be.JSON())
	}
}
