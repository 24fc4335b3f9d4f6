// Package service runs CGI programs on behalf of HTTP requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/semaphore"
	"gopkg.in/natefinch/lumberjack.v2"

	"cgi-gateway/internal/cgi"
	"cgi-gateway/internal/config"
	"cgi-gateway/internal/metrics"
	"cgi-gateway/internal/model"
	"cgi-gateway/internal/process"
	"cgi-gateway/internal/rdns"
)

var (
	// ErrBusy is returned when server.max_processes children are already running.
	ErrBusy = errors.New("too many cgi processes running")
	// ErrBody is returned when the request body could not be read.
	ErrBody = errors.New("read request body")
)

// Gateway executes the CGI program of a route for one request and streams
// its output back.
type Gateway struct {
	spawn    cgi.SpawnFunc
	resolver *rdns.Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	env      cgi.EnvBuilder
	sem      *semaphore.Weighted // nil means unlimited
	errlogs  map[string]*lumberjack.Logger
	routes   []*model.Route
}

// NewGateway creates a Gateway for the routes in cfg.
// The metrics parameter is optional; pass nil to disable metrics.
func NewGateway(cfg *config.Config, spawner *process.Spawner, resolver *rdns.Resolver, m *metrics.Metrics, logger *slog.Logger, v model.Version) *Gateway {
	g := &Gateway{
		spawn:    cgi.SpawnWith(spawner),
		resolver: resolver,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		env:      cgi.EnvBuilder{Software: "cgi-gateway/" + string(v)},
		errlogs:  make(map[string]*lumberjack.Logger),
		routes:   cfg.ResolvedRoutes(),
	}
	if cfg.Server.MaxProcesses > 0 {
		g.sem = semaphore.NewWeighted(int64(cfg.Server.MaxProcesses))
	}

	rot := cfg.Log.Rotation
	for _, r := range g.routes {
		if r.ErrLog == "" {
			continue
		}
		g.errlogs[r.Path] = &lumberjack.Logger{
			Filename:   r.ErrLog,
			MaxSize:    rot.MaxSize,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAge,
			Compress:   rot.Compress,
			LocalTime:  rot.LocalTime,
		}
	}
	return g
}

// Routes returns the configured routes in declaration order.
func (g *Gateway) Routes() []*model.Route {
	return g.routes
}

// Serve runs route's program for r and writes its response to w. The
// returned error is non-nil only when the request failed before or while
// spawning; a program that exits non-zero still yields a nil error.
func (g *Gateway) Serve(ctx context.Context, route *model.Route, w http.ResponseWriter, r *http.Request, extraPath, requestID string) (cgi.Result, error) {
	if g.sem != nil {
		if !g.sem.TryAcquire(1) {
			return cgi.Result{}, ErrBusy
		}
		defer g.sem.Release(1)
	}

	stdin, length, cleanup, err := g.requestBody(r)
	if err != nil {
		return cgi.Result{}, fmt.Errorf("%w: %w", ErrBody, err)
	}
	defer cleanup()

	rc := newRequestContext(r, route, extraPath, requestID)
	rc.ContentLength = length
	rc.RemoteHost = g.resolver.Lookup(ctx, rc.RemoteAddr)

	env := g.env.Build(rc, route.Env, route.Command.Path)
	spec := process.Spec{
		Path:   route.Command.Path,
		Args:   route.Command.Args,
		Env:    env.Environ(),
		Stdin:  stdin,
		Stderr: stderrMode(route.Stderr),
		Hooks:  route.Hooks,
		Grace:  route.KillGrace,
		Route:  route.Path,
	}

	opts := cgi.CoordinatorOptions{Route: route.Path, Timeout: route.Timeout}
	if l, ok := g.errlogs[route.Path]; ok {
		opts.ErrLog = l
	}
	logger := g.logger.With("route", route.Path, "request_id", requestID)
	coord := cgi.NewCoordinator(g.spawn, logger, g.metrics, opts)

	return coord.Run(ctx, spec, cgi.NewHTTPResponse(ctx, w))
}

// Close closes the per-route errlog files.
func (g *Gateway) Close() error {
	var errs []error
	for _, l := range g.errlogs {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requestBody returns the reader the child reads as stdin and the value of
// CONTENT_LENGTH. Bodies of unknown length are spooled to a temp file first.
func (g *Gateway) requestBody(r *http.Request) (io.Reader, int64, func(), error) {
	noop := func() {}
	switch {
	case r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0:
		return nil, 0, noop, nil
	case r.ContentLength > 0:
		return r.Body, r.ContentLength, noop, nil
	}

	f, err := os.CreateTemp("", "cgi-gateway-body-*")
	if err != nil {
		return nil, 0, noop, fmt.Errorf("spool body: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	n, err := io.Copy(f, r.Body)
	if err != nil {
		cleanup()
		return nil, 0, noop, fmt.Errorf("spool body: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, noop, fmt.Errorf("spool body: %w", err)
	}
	g.logger.Debug("spooled request body of unknown length", "bytes", n)
	if n == 0 {
		cleanup()
		return nil, 0, noop, nil
	}
	return f, n, cleanup, nil
}

func stderrMode(p model.StderrPolicy) process.StderrMode {
	switch p {
	case model.StderrDrop:
		return process.StderrDiscard
	case model.StderrMerge:
		return process.StderrMerge
	default:
		return process.StderrPipe
	}
}
