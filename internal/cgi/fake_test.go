package cgi

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingChannel is an in-memory ResponseChannel.
type recordingChannel struct {
	mu        sync.Mutex
	headers   [][2]string
	body      bytes.Buffer
	committed bool
	dead      bool
	writeErr  error
	finals    []Outcome
}

func (r *recordingChannel) SetHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return
	}
	r.headers = append(r.headers, [2]string{name, value})
}

func (r *recordingChannel) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	r.committed = true
	return r.body.Write(p)
}

func (r *recordingChannel) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead && r.writeErr == nil
}

func (r *recordingChannel) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

func (r *recordingChannel) Finalize(o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, o)
	return len(r.finals) == 1
}

func (r *recordingChannel) kill() {
	r.mu.Lock()
	r.dead = true
	r.mu.Unlock()
}

func (r *recordingChannel) bodyString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func (r *recordingChannel) finalizations() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.finals...)
}

var errBrokenPipe = errors.New("broken pipe")

// fakeProcess is a Process whose streams are fed by the test.
type fakeProcess struct {
	stdout   *io.PipeReader
	stdoutW  *io.PipeWriter
	stderr   *io.PipeReader
	stderrW  *io.PipeWriter
	exit     chan error
	mu       sync.Mutex
	termed   int
	released int
	waitOnce sync.Once
	waitErr  error
}

func newFakeProcess(withStderr bool) *fakeProcess {
	p := &fakeProcess{exit: make(chan error, 1)}
	p.stdout, p.stdoutW = io.Pipe()
	if withStderr {
		p.stderr, p.stderrW = io.Pipe()
	}
	return p
}

func (p *fakeProcess) Pid() int            { return 4242 }
func (p *fakeProcess) CommandLine() string { return "/usr/lib/cgi-bin/fake" }
func (p *fakeProcess) Stdout() io.Reader   { return p.stdout }

func (p *fakeProcess) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

// Terminate behaves like a program that dies on SIGTERM.
func (p *fakeProcess) Terminate() {
	p.mu.Lock()
	p.termed++
	p.mu.Unlock()
	p.finish(errors.New("signal: terminated"))
}

// finish closes the streams and lets Wait return err.
func (p *fakeProcess) finish(err error) {
	_ = p.stdoutW.Close()
	if p.stderrW != nil {
		_ = p.stderrW.Close()
	}
	select {
	case p.exit <- err:
	default:
	}
}

func (p *fakeProcess) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = <-p.exit })
	return p.waitErr
}

func (p *fakeProcess) Release() {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakeProcess) terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termed
}

func (p *fakeProcess) releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
