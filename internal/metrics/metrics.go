// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for HTTP latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// CGI programs run far longer than a typical handler.
var processBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ProcessesStarted *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	ProcessExits     *prometheus.CounterVec
	StderrLines      *prometheus.CounterVec
	HeaderWarnings   *prometheus.CounterVec
	ClientAborts     *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. The given path prefixes (CGI routes and fixed endpoints) bound
// the path label; anything else is reported as "other".
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cgi_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cgi_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ProcessesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_processes_started_total",
			Help: "CGI program spawn attempts by route and result.",
		}, []string{"route", "result"}),

		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cgi_gateway_process_duration_seconds",
			Help:    "CGI program run time from spawn to exit in seconds.",
			Buckets: processBuckets,
		}, []string{"route"}),

		ProcessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_process_exits_total",
			Help: "CGI program exits by route and exit code.",
		}, []string{"route", "exit_code"}),

		StderrLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_stderr_lines_total",
			Help: "Lines the CGI programs wrote to stderr.",
		}, []string{"route"}),

		HeaderWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_header_warnings_total",
			Help: "CGI responses with malformed or missing header blocks.",
		}, []string{"route", "kind"}),

		ClientAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_client_aborts_total",
			Help: "Requests whose client disconnected while the CGI program was running.",
		}, []string{"route"}),

		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_process_timeouts_total",
			Help: "CGI programs terminated for exceeding the route timeout.",
		}, []string{"route"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgi_gateway_cgi_requests_total",
			Help: "CGI requests by how the exchange ended.",
		}, []string{"path_prefix", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ProcessesStarted,
		m.ProcessDuration,
		m.ProcessExits,
		m.StderrLines,
		m.HeaderWarnings,
		m.ClientAborts,
		m.Timeouts,
		m.Outcomes,
	)

	m.prefixes = append([]string(nil), prefixes...)
	// Longest first, so /cgi-bin/admin wins over /cgi-bin.
	sort.Slice(m.prefixes, func(i, j int) bool {
		return len(m.prefixes[i]) > len(m.prefixes[j])
	})

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if prefix == "/" {
			return prefix
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
