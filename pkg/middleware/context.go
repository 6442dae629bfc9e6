package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/linker/pkg/context"
)

// HeaderPrincipal names the caller when authentication is disabled.
const HeaderPrincipal = "X-Principal"

// Context copies request metadata into the request context. trustPrincipalHeader is only set when
// authentication is off, otherwise the principal comes from the verified token.
func Context(trustPrincipalHeader bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			if trustPrincipalHeader {
				ctx = context.SetPrincipal(ctx, req.Header.Get(HeaderPrincipal))
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
