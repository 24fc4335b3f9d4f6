package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-scoped and never cross the gateway in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and CGI responses and adds default security headers.
// Unless keepProxy is set, the inbound Proxy header is removed so it never
// reaches a program as HTTP_PROXY (httpoxy).
func SecurityHeaders(keepProxy bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqHeader := c.Request().Header
			for _, h := range hopByHopHeaders {
				reqHeader.Del(h)
			}
			if !keepProxy {
				reqHeader.Del("Proxy")
			}

			// CGI responses stream, so headers must be fixed before the
			// status line goes out.
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for _, name := range hopByHopHeaders {
					h.Del(name)
				}
				if h.Get("X-Content-Type-Options") == "" {
					h.Set("X-Content-Type-Options", "nosniff")
				}
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "DENY")
				}
			})

			return next(c)
		}
	}
}
