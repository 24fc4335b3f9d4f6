package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/natefinch/lumberjack.v2"

	"cgi-gateway/internal/cgi"
	"cgi-gateway/internal/config"
	"cgi-gateway/internal/model"
	"cgi-gateway/internal/process"
	"cgi-gateway/internal/rdns"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a Gateway around a real spawner without config.Load.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	logger := testLogger()
	return &Gateway{
		spawn:    cgi.SpawnWith(process.NewSpawner(logger, nil)),
		resolver: rdns.NewWithLookup(config.DNSConfig{Disabled: true}, nil, logger),
		logger:   logger,
		env:      cgi.EnvBuilder{Software: "cgi-gateway/test"},
	}
}

// shellRoute runs script with /bin/sh -c.
func shellRoute(path, script string) *model.Route {
	return &model.Route{
		Path:      path,
		Command:   model.Command{Path: "/bin/sh", Args: []string{"-c", script}},
		Stderr:    model.StderrLog,
		KillGrace: 100 * time.Millisecond,
	}
}

func serve(t *testing.T, g *Gateway, route *model.Route, r *http.Request, extraPath string) (*httptest.ResponseRecorder, cgi.Result, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	res, err := g.Serve(r.Context(), route, rec, r, extraPath, "req-1")
	return rec, res, err
}

func TestServe_HeadersAndBody(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/hello", `printf 'Content-Type: text/plain\r\nX-Answer: 42\r\n\r\nhello world'`)

	rec, res, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/hello", nil), "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if res.Outcome != cgi.OutcomeComplete {
		t.Errorf("Outcome = %v, want complete", res.Outcome)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if v := rec.Header().Get("X-Answer"); v != "42" {
		t.Errorf("X-Answer = %q, want 42", v)
	}
	if body := rec.Body.String(); body != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
	if res.Headers != 2 {
		t.Errorf("Headers = %d, want 2", res.Headers)
	}
}

func TestServe_StatusHeader(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/missing", `printf 'Status: 404 Not Found\n\nnope'`)

	rec, _, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/missing", nil), "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec.Body.String() != "nope" {
		t.Errorf("body = %q, want nope", rec.Body.String())
	}
}

func TestServe_Environment(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/env", `printf '\n'; printf '%s|%s|%s|%s|%s|%s|%s' "$REQUEST_METHOD" "$QUERY_STRING" "$PATH_INFO" "$SCRIPT_NAME" "$HTTP_X_TRACE_ID" "$GATEWAY_INTERFACE" "$SERVER_SOFTWARE"`)
	route.Env = map[string]string{"APP_MODE": "test"}

	req := httptest.NewRequest(http.MethodGet, "/env/extra/bits?a=1&b=2", nil)
	req.Header.Set("X-Trace-Id", "abc-def")

	rec, _, err := serve(t, g, route, req, "extra/bits")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	want := "GET|a=1&b=2|/extra/bits|/env|abc_def|CGI/1.1|cgi-gateway/test"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestServe_StaticEnvAndIsolation(t *testing.T) {
	g := newTestGateway(t)
	t.Setenv("GATEWAY_SECRET", "leak")
	route := shellRoute("/env", `printf '\n%s|%s' "$APP_MODE" "$GATEWAY_SECRET"`)
	route.Env = map[string]string{"APP_MODE": "test"}

	rec, _, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/env", nil), "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if got := rec.Body.String(); got != "test|" {
		t.Errorf("body = %q, want %q", got, "test|")
	}
}

func TestServe_RequestBodyIsStdin(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/echo", `printf 'Content-Type: text/plain\n\n'; printf '%s:' "$CONTENT_LENGTH"; cat`)

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("posted data"))
	rec, _, err := serve(t, g, route, req, "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if got := rec.Body.String(); got != "11:posted data" {
		t.Errorf("body = %q, want %q", got, "11:posted data")
	}
}

func TestServe_UnknownLengthBodySpooled(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/echo", `printf '\n%s:' "$CONTENT_LENGTH"; cat`)

	req := httptest.NewRequest(http.MethodPost, "/echo", io.NopCloser(strings.NewReader("chunked")))
	req.ContentLength = -1

	rec, _, err := serve(t, g, route, req, "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if got := rec.Body.String(); got != "7:chunked" {
		t.Errorf("body = %q, want %q", got, "7:chunked")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestServe_BodyReadError(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/echo", `cat`)

	req := httptest.NewRequest(http.MethodPost, "/echo", io.NopCloser(failingReader{}))
	req.ContentLength = -1

	_, _, err := serve(t, g, route, req, "")
	if !errors.Is(err, ErrBody) {
		t.Fatalf("Serve() error = %v, want ErrBody", err)
	}
}

func TestServe_SpawnError(t *testing.T) {
	g := newTestGateway(t)
	route := &model.Route{
		Path:    "/broken",
		Command: model.Command{Path: "/nonexistent/cgi-program"},
	}

	rec, res, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/broken", nil), "")
	if !errors.Is(err, process.ErrSpawn) {
		t.Fatalf("Serve() error = %v, want ErrSpawn", err)
	}
	if res.Outcome != cgi.OutcomeSpawnError {
		t.Errorf("Outcome = %v, want spawn error", res.Outcome)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServe_Busy(t *testing.T) {
	g := newTestGateway(t)
	g.sem = semaphore.NewWeighted(1)
	if !g.sem.TryAcquire(1) {
		t.Fatal("TryAcquire() = false on fresh semaphore")
	}
	defer g.sem.Release(1)

	route := shellRoute("/hello", `printf '\nhi'`)
	_, _, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/hello", nil), "")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Serve() error = %v, want ErrBusy", err)
	}
}

func TestServe_Timeout(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/slow", `sleep 5`)
	route.Timeout = 200 * time.Millisecond
	route.KillGrace = 0

	start := time.Now()
	rec, res, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/slow", nil), "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Serve() took %v, want prompt termination", elapsed)
	}
	if res.Outcome != cgi.OutcomeTimeout {
		t.Errorf("Outcome = %v, want timeout", res.Outcome)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestServe_ClientGone(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/slow", `sleep 5`)
	route.KillGrace = 0

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, res, err := serve(t, g, route, req, "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if res.Outcome != cgi.OutcomeAborted {
		t.Errorf("Outcome = %v, want aborted", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Serve() took %v, want prompt termination", elapsed)
	}
}

func TestServe_MergedStderr(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/merge", `printf '\nout;'; printf 'err;' >&2; printf 'out2'`)
	route.Stderr = model.StderrMerge

	rec, _, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/merge", nil), "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if got := rec.Body.String(); got != "out;err;out2" {
		t.Errorf("body = %q, want %q", got, "out;err;out2")
	}
}

func TestServe_ErrLog(t *testing.T) {
	g := newTestGateway(t)
	route := shellRoute("/noisy", `echo oops >&2; printf '\nok'`)
	path := filepath.Join(t.TempDir(), "noisy.err")
	g.errlogs = map[string]*lumberjack.Logger{route.Path: {Filename: path}}

	rec, _, err := serve(t, g, route, httptest.NewRequest(http.MethodGet, "/noisy", nil), "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read errlog: %v", err)
	}
	if !strings.Contains(string(data), "oops") {
		t.Errorf("errlog = %q, want stderr line", data)
	}
}

func TestStderrMode(t *testing.T) {
	tests := []struct {
		in   model.StderrPolicy
		want process.StderrMode
	}{
		{model.StderrLog, process.StderrPipe},
		{model.StderrDrop, process.StderrDiscard},
		{model.StderrMerge, process.StderrMerge},
		{"", process.StderrPipe},
	}
	for _, tt := range tests {
		if got := stderrMode(tt.in); got != tt.want {
			t.Errorf("stderrMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
