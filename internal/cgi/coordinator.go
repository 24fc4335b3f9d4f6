package cgi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"cgi-gateway/internal/metrics"
	"cgi-gateway/internal/process"
)

// chunkSize is the read size for the program's stdout.
const chunkSize = 32 << 10

// Process is a running CGI program. *process.Handle implements it.
type Process interface {
	Pid() int
	CommandLine() string
	Stdout() io.Reader
	Stderr() io.Reader // nil when stderr is dropped or merged
	Terminate()
	Wait() error
	Release()
}

// SpawnFunc starts a CGI program.
type SpawnFunc func(spec process.Spec) (Process, error)

// SpawnWith adapts a process.Spawner to a SpawnFunc.
func SpawnWith(s *process.Spawner) SpawnFunc {
	return func(spec process.Spec) (Process, error) {
		h, err := s.Spawn(spec)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Route   string        // metrics label
	Timeout time.Duration // 0 disables the run time limit
	ErrLog  io.Writer     // optional copy of stderr lines
}

// Result summarizes one exchange.
type Result struct {
	Outcome Outcome
	Pid     int
	Headers int
	ExitErr error
}

// Coordinator runs one CGI program for one request: it spawns the program,
// relays its stdout through a Splitter, logs its stderr, and finalizes the
// response exactly once, whether the program finishes, times out or the
// client goes away. A Coordinator must not be reused.
type Coordinator struct {
	spawn   SpawnFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    CoordinatorOptions
}

// NewCoordinator creates a Coordinator. The metrics parameter is optional.
func NewCoordinator(spawn SpawnFunc, logger *slog.Logger, m *metrics.Metrics, opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		spawn:   spawn,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// Run executes spec and streams its output to rw. ctx is the request
// context; its cancellation is treated as a client disconnect. The returned
// error is non-nil only when the program could not be started, in which case
// rw has already been finalized with a server error.
func (c *Coordinator) Run(ctx context.Context, spec process.Spec, rw ResponseChannel) (Result, error) {
	proc, err := c.spawn(spec)
	if err != nil {
		c.logger.Error("spawn cgi program",
			"cmd", spec.Path,
			"err", err,
		)
		rw.Finalize(OutcomeSpawnError)
		return Result{Outcome: OutcomeSpawnError}, err
	}
	defer proc.Release()

	logger := c.logger.With(
		"cmd", proc.CommandLine(),
		"pid", proc.Pid(),
	)
	splitter := NewSplitter(rw, logger, c.countWarning)
	res := Result{Pid: proc.Pid()}

	stop := make(chan struct{})
	chunks := make(chan []byte)

	var g errgroup.Group
	g.Go(func() error {
		defer close(chunks)
		return pump(proc.Stdout(), chunks, stop)
	})
	if r := proc.Stderr(); r != nil {
		collector := NewStderrCollector(logger, c.opts.ErrLog, c.countStderrLine)
		g.Go(func() error {
			collector.Collect(r)
			return nil
		})
	}

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	var timeout <-chan time.Time
	if c.opts.Timeout > 0 {
		t := time.NewTimer(c.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var (
		exited   chan error
		timedOut bool
	)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !rw.Live() {
				return c.abort(logger, proc, stop, rw, splitter, res), nil
			}
			if _, err := splitter.Write(chunk); err != nil {
				return c.abort(logger, proc, stop, rw, splitter, res), nil
			}

		case err := <-drained:
			drained = nil
			if err != nil {
				logger.Debug("reading cgi output", "err", err)
			}
			// Both streams are at EOF, so reaping cannot lose output.
			exited = make(chan error, 1)
			go func() { exited <- proc.Wait() }()

		case res.ExitErr = <-exited:
			if res.ExitErr != nil {
				logger.Debug("cgi program exited", "err", res.ExitErr)
			}
			return c.finish(logger, rw, splitter, res, timedOut), nil

		case <-ctx.Done():
			return c.abort(logger, proc, stop, rw, splitter, res), nil

		case <-timeout:
			timeout = nil
			timedOut = true
			logger.Warn("cgi program timed out", "timeout", c.opts.Timeout)
			if c.metrics != nil {
				c.metrics.Timeouts.WithLabelValues(c.opts.Route).Inc()
			}
			// Keep relaying whatever the program writes while it shuts down.
			proc.Terminate()
		}
	}
}

// finish handles program exit after both streams were drained.
func (c *Coordinator) finish(logger *slog.Logger, rw ResponseChannel, splitter *Splitter, res Result, timedOut bool) Result {
	res.Headers = splitter.Headers()
	if !rw.Live() {
		logger.Error("client disconnected while running")
		c.countAbort()
		rw.Finalize(OutcomeAborted)
		res.Outcome = OutcomeAborted
		return res
	}

	// Killed by the timeout before writing anything: there is no header
	// block to complain about.
	if timedOut && !splitter.Seen() {
		rw.Finalize(OutcomeTimeout)
		res.Outcome = OutcomeTimeout
		return res
	}

	if err := splitter.Close(); err != nil {
		logger.Error("client disconnected while running", "err", err)
		c.countAbort()
		rw.Finalize(OutcomeAborted)
		res.Outcome = OutcomeAborted
		return res
	}
	res.Headers = splitter.Headers()

	res.Outcome = OutcomeComplete
	if timedOut && !rw.Committed() {
		res.Outcome = OutcomeTimeout
	}
	rw.Finalize(res.Outcome)
	return res
}

// abort stops relaying and terminates the program. Reaping happens in
// Release.
func (c *Coordinator) abort(logger *slog.Logger, proc Process, stop chan struct{}, rw ResponseChannel, splitter *Splitter, res Result) Result {
	close(stop)
	proc.Terminate()
	logger.Error("client disconnected while running")
	c.countAbort()
	rw.Finalize(OutcomeAborted)
	res.Outcome = OutcomeAborted
	res.Headers = splitter.Headers()
	return res
}

func (c *Coordinator) countWarning(kind string) {
	if c.metrics != nil {
		c.metrics.HeaderWarnings.WithLabelValues(c.opts.Route, kind).Inc()
	}
}

func (c *Coordinator) countStderrLine() {
	if c.metrics != nil {
		c.metrics.StderrLines.WithLabelValues(c.opts.Route).Inc()
	}
}

func (c *Coordinator) countAbort() {
	if c.metrics != nil {
		c.metrics.ClientAborts.WithLabelValues(c.opts.Route).Inc()
	}
}

// pump reads r until EOF, handing each chunk to out. It gives up as soon as
// stop is closed.
func pump(r io.Reader, out chan<- []byte, stop <-chan struct{}) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-stop:
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
