package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cgi-gateway/internal/config"
	"cgi-gateway/internal/metrics"
	"cgi-gateway/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, gw *service.Gateway, cgi *CGIHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	for _, route := range gw.Routes() {
		h := cgi.Route(route)
		e.Any(route.Path, h)
		if !route.PathExt {
			continue
		}
		if route.Path == "/" {
			e.Any("/*", h)
		} else {
			e.Any(route.Path+"/*", h)
		}
	}
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if m == nil || !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
