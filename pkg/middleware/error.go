package middleware

import (
	"bountypay/pkg/errutil"
	"bountypay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached to the context with c.Error as the
// standard error envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.From(last.Err)
		status := be.Code.HTTPStatus()
		if status >= 500 {
			logger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("path", c.FullPath()),
				zap.Error(last.Err),
			)
		}

		c.JSON(status, be.JSON())
	}
}
