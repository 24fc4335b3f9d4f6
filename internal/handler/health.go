package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cgi-gateway/internal/model"
	"cgi-gateway/internal/service"
)

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	gateway *service.Gateway
	version model.Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(gw *service.Gateway, v model.Version) *HealthHandler {
	return &HealthHandler{gateway: gw, version: v}
}

type routeStatus struct {
	Path    string `json:"path"`
	Command string `json:"cmd"`
	Stderr  string `json:"stderr"`
	PathExt bool   `json:"path_ext"`
}

type statusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Routes  []routeStatus `json:"routes"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information and the configured routes.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := h.gateway.Routes()
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Routes:  make([]routeStatus, 0, len(routes)),
	}
	for _, r := range routes {
		resp.Routes = append(resp.Routes, routeStatus{
			Path:    r.Path,
			Command: r.Command.String(),
			Stderr:  string(r.Stderr),
			PathExt: r.PathExt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
