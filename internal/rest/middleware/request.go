package middleware

import (
	"context"

	"github.com/agendapos/agendapos/internal/types"
	"github.com/gin-gonic/gin"
)

// RequestIDMiddleware tags every request with an id for log correlation
func RequestIDMiddleware(c *gin.Context) {
	ctx := c.Request.Context()

	requestID := c.GetHeader(types.HeaderRequestID)
	if requestID == "" {
		requestID = types.GenerateUUID()
	}

	ctx = context.WithValue(ctx, types.CtxRequestID, requestID)
	c.Request = c.Request.WithContext(ctx)
	c.Header(types.HeaderRequestID, requestID)

	c.Next()
}
