package server

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"llmchat/internal/core"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the client's X-Request-ID, or a new UUID, into the
// request context and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
				req.Header.Set(requestIDHeader, id)
			}
			c.Response().Header().Set(requestIDHeader, id)
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
			return next(c)
		}
	}
}
