package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Verify our custom metrics exist by incrementing one and gathering again.
	m.RequestsTotal.WithLabelValues("GET", "200", "/cgi-bin").Inc()
	m.ProcessesStarted.WithLabelValues("/cgi-bin", "ok").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"cgi_gateway_http_requests_total":     false,
		"cgi_gateway_processes_started_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	m := New("/healthz", "/gateway/status", "/metrics", "/cgi-bin", "/cgi-bin/admin")

	tests := []struct {
		path string
		want string
	}{
		{"/cgi-bin", "/cgi-bin"},
		{"/cgi-bin/search", "/cgi-bin"},
		{"/cgi-bin/admin", "/cgi-bin/admin"},
		{"/cgi-bin/admin/users", "/cgi-bin/admin"},
		{"/cgi-binary", "other"},
		{"/healthz", "/healthz"},
		{"/gateway/status", "/gateway/status"},
		{"/metrics", "/metrics"},
		{"/unknown", "other"},
		{"/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := m.NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizePath_RootRoute(t *testing.T) {
	m := New("/healthz", "/")

	if got := m.NormalizePath("/healthz"); got != "/healthz" {
		t.Errorf("NormalizePath(/healthz) = %q, want /healthz", got)
	}
	if got := m.NormalizePath("/anything/else"); got != "/" {
		t.Errorf("NormalizePath(/anything/else) = %q, want /", got)
	}
}

func TestSum(t *testing.T) {
	m := New()
	m.ProcessExits.WithLabelValues("/a", "0").Add(2)
	m.ProcessExits.WithLabelValues("/a", "1").Inc()
	m.ProcessExits.WithLabelValues("/b", "0").Inc()
	m.ProcessDuration.WithLabelValues("/a").Observe(0.5)

	tests := []struct {
		name  string
		match map[string]string
		want  float64
	}{
		{"all", nil, 4},
		{"route a", map[string]string{"route": "/a"}, 3},
		{"route a success", map[string]string{"route": "/a", "exit_code": "0"}, 2},
		{"no match", map[string]string{"route": "/c"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Sum("cgi_gateway_process_exits_total", tt.match); got != tt.want {
				t.Errorf("Sum() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := m.Sum("cgi_gateway_process_duration_seconds", nil); got != 1 {
		t.Errorf("Sum(histogram) = %v, want 1 sample", got)
	}
}
