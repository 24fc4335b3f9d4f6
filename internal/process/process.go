// Package process spawns CGI programs and owns their OS-level lifecycle.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"cgi-gateway/internal/metrics"
)

// ErrSpawn is returned when the CGI program could not be started.
var ErrSpawn = errors.New("spawn cgi program")

// StderrMode selects how the child's standard error is wired.
type StderrMode int

const (
	// StderrPipe exposes stderr as a separate stream.
	StderrPipe StderrMode = iota
	// StderrDiscard connects stderr to the null device.
	StderrDiscard
	// StderrMerge points stderr at the stdout pipe.
	StderrMerge
)

// Spec describes one child process to start.
type Spec struct {
	Path   string
	Args   []string
	Env    []string // complete environment; the gateway's own is never inherited
	Stdin  io.Reader
	Stderr StderrMode
	Hooks  []Hook
	Grace  time.Duration // SIGTERM to SIGKILL delay
	Route  string        // metrics label
}

// Spawner starts child processes.
type Spawner struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSpawner creates a Spawner.
// The metrics parameter is optional; pass nil to disable process metrics.
func NewSpawner(logger *slog.Logger, m *metrics.Metrics) *Spawner {
	return &Spawner{
		logger:  logger.With("component", "spawner"),
		metrics: m,
	}
}

// Spawn starts the program described by spec. The returned Handle must be
// released by the caller.
func (s *Spawner) Spawn(spec Spec) (*Handle, error) {
	cmd := &exec.Cmd{
		Path:        spec.Path,
		Args:        append([]string{spec.Path}, spec.Args...),
		Env:         spec.Env,
		Stdin:       spec.Stdin,
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
		WaitDelay:   spec.Grace,
	}
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	if cmd.Env == nil {
		// A nil Env would make os/exec inherit our environment.
		cmd.Env = []string{}
	}

	for i, hook := range spec.Hooks {
		if err := hook(cmd); err != nil {
			s.recordSpawn(spec.Route, false)
			return nil, fmt.Errorf("%w: pre-spawn hook %d: %w", ErrSpawn, i, err)
		}
	}
	// Hooks may replace SysProcAttr; the process group is required for Terminate.
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	h := &Handle{
		commandLine: commandLine(spec.Path, spec.Args),
		grace:       spec.Grace,
		route:       spec.Route,
		done:        make(chan struct{}),
		spawner:     s,
	}

	stdoutR, stdoutW, err := h.pipe()
	if err != nil {
		return nil, s.abandon(h, spec.Route, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err))
	}
	cmd.Stdout = stdoutW
	h.stdout = stdoutR
	switch spec.Stderr {
	case StderrMerge:
		cmd.Stderr = stdoutW
	case StderrPipe:
		stderrR, stderrW, err := h.pipe()
		if err != nil {
			return nil, s.abandon(h, spec.Route, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err))
		}
		cmd.Stderr = stderrW
		h.stderr = stderrR
	}

	if err := cmd.Start(); err != nil {
		return nil, s.abandon(h, spec.Route, fmt.Errorf("%w: %s: %w", ErrSpawn, spec.Path, err))
	}
	// The child owns its copies of the write ends now; keeping ours open would
	// prevent EOF on the streams.
	h.closeWriters()

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.started = time.Now()
	s.recordSpawn(spec.Route, true)

	s.logger.Debug("spawned cgi program",
		"cmd", h.commandLine,
		"pid", h.pid,
	)
	return h, nil
}

// abandon closes every pipe end of a handle whose program never started.
func (s *Spawner) abandon(h *Handle, route string, err error) error {
	h.closeWriters()
	h.closeReaders()
	s.recordSpawn(route, false)
	return err
}

func (s *Spawner) recordSpawn(route string, ok bool) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	s.metrics.ProcessesStarted.WithLabelValues(route, result).Inc()
}

func commandLine(path string, args []string) string {
	if len(args) == 0 {
		return path
	}
	return path + " " + strings.Join(args, " ")
}

// Handle is a running child process. Stdout and Stderr must be read to EOF
// (or abandoned after Terminate) before Wait is called.
type Handle struct {
	cmd         *exec.Cmd
	pid         int
	commandLine string
	stdout      io.Reader
	stderr      io.Reader
	readers     []*os.File // parent ends, closed by Release
	writers     []*os.File // child ends, closed once the child holds them
	grace       time.Duration
	route       string
	started     time.Time
	spawner     *Spawner

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}

	termOnce    sync.Once
	releaseOnce sync.Once

	mu        sync.Mutex
	killTimer *time.Timer
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.pid }

// CommandLine returns the program path and arguments.
func (h *Handle) CommandLine() string { return h.commandLine }

// Stdout returns the child's standard output stream.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the child's standard error stream, or nil when stderr is
// discarded or merged into stdout.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Terminate asks the child's process group to exit with SIGTERM and escalates
// to SIGKILL once the grace period expires. It is safe to call more than once.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		if h.grace <= 0 {
			h.kill()
			return
		}
		if err := signalGroup(h.pid, syscall.SIGTERM); err != nil {
			h.spawner.logger.Debug("sigterm failed", "pid", h.pid, "err", err)
		}

		h.mu.Lock()
		h.killTimer = time.AfterFunc(h.grace, func() {
			select {
			case <-h.done:
			default:
				h.kill()
			}
		})
		h.mu.Unlock()
	})
}

func (h *Handle) kill() {
	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		h.spawner.logger.Debug("sigkill failed", "pid", h.pid, "err", err)
	}
}

// Wait blocks until the child exits and returns its exit status. Only the
// first call reaps the process; later calls return the same result.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		close(h.done)

		h.mu.Lock()
		if h.killTimer != nil {
			h.killTimer.Stop()
		}
		h.mu.Unlock()

		h.recordExit()
	})
	return h.waitErr
}

// Release reaps the child if that has not happened yet and closes the
// streams. It is idempotent.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		select {
		case <-h.done:
		default:
			h.Terminate()
			_ = h.Wait()
		}
		h.closeReaders()
	})
}

// osPipe is replaced in tests.
var osPipe = os.Pipe

// pipe creates a pipe whose write end is handed to the child.
func (h *Handle) pipe() (r, w *os.File, err error) {
	r, w, err = osPipe()
	if err != nil {
		return nil, nil, err
	}
	h.readers = append(h.readers, r)
	h.writers = append(h.writers, w)
	return r, w, nil
}

func (h *Handle) closeWriters() {
	for _, w := range h.writers {
		_ = w.Close()
	}
	h.writers = nil
}

func (h *Handle) closeReaders() {
	for _, r := range h.readers {
		_ = r.Close()
	}
	h.readers = nil
}

func (h *Handle) recordExit() {
	m := h.spawner.metrics
	if m == nil {
		return
	}
	m.ProcessDuration.WithLabelValues(h.route).Observe(time.Since(h.started).Seconds())
	m.ProcessExits.WithLabelValues(h.route, exitLabel(h.cmd.ProcessState)).Inc()
}

// exitLabel returns the exit code as a string, or "signal" when the process
// was killed by a signal.
func exitLabel(ps *os.ProcessState) string {
	if ps == nil {
		return "unknown"
	}
	if code := ps.ExitCode(); code >= 0 {
		return strconv.Itoa(code)
	}
	return "signal"
}
