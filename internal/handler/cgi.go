package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"cgi-gateway/internal/cgi"
	"cgi-gateway/internal/model"
	"cgi-gateway/internal/process"
	"cgi-gateway/internal/service"
)

// CGIHandler runs the CGI program of a route for each matching request.
type CGIHandler struct {
	gateway *service.Gateway
	logger  *slog.Logger
}

// NewCGIHandler creates a CGIHandler.
func NewCGIHandler(gw *service.Gateway, logger *slog.Logger) *CGIHandler {
	return &CGIHandler{
		gateway: gw,
		logger:  logger.With("component", "cgi_handler"),
	}
}

// Route returns the handler for one configured route.
func (h *CGIHandler) Route(route *model.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		extraPath := ""
		if route.PathExt {
			extraPath = wildcard(c)
		}

		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = req.Header.Get(echo.HeaderXRequestID)
		}

		res, err := h.gateway.Serve(req.Context(), route, c.Response(), req, extraPath, requestID)
		if err != nil {
			c.Set(model.OutcomeKey, errorOutcome(err))
			return h.mapError(c, route, err)
		}
		c.Set(model.OutcomeKey, res.Outcome.String())

		h.logger.Debug("cgi request finished",
			"route", route.Path,
			"outcome", res.Outcome.String(),
			"pid", res.Pid,
			"headers", res.Headers,
			"request_id", requestID,
		)
		return nil
	}
}

func (h *CGIHandler) mapError(c echo.Context, route *model.Route, err error) error {
	// The coordinator has already logged and answered spawn failures.
	if errors.Is(err, process.ErrSpawn) {
		return nil
	}

	h.logger.Error("cgi request failed",
		"err", err,
		"route", route.Path,
		"path", c.Request().URL.Path,
	)
	if c.Response().Committed {
		return nil
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, map[string]string{
			"error": http.StatusText(he.Code),
		})
	}

	if errors.Is(err, service.ErrBusy) {
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "too many cgi processes running",
		})
	}

	if errors.Is(err, service.ErrBody) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read request body",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "cgi request failed",
	})
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, process.ErrSpawn):
		return cgi.OutcomeSpawnError.String()
	case errors.Is(err, service.ErrBusy):
		return model.OutcomeBusy
	case errors.Is(err, service.ErrBody):
		return model.OutcomeBadBody
	default:
		return model.OutcomeError
	}
}

// wildcard returns the decoded "*" path parameter. Echo matches against the
// raw path when the URL carries escapes that Path cannot represent.
func wildcard(c echo.Context) string {
	v := c.Param("*")
	if c.Request().URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}
