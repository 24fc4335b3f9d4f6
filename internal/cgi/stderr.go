package cgi

import (
	"bytes"
	"io"
	"log/slog"
)

// StderrCollector turns a CGI program's stderr into one log record per line.
// The logger is expected to carry the command and pid.
type StderrCollector struct {
	logger  *slog.Logger
	sink    io.Writer
	onLine  func()
	partial []byte
}

// NewStderrCollector returns a collector logging through logger. sink, if
// non-nil, receives a copy of every line (the route's errlog). onLine, if
// non-nil, is called once per line.
func NewStderrCollector(logger *slog.Logger, sink io.Writer, onLine func()) *StderrCollector {
	return &StderrCollector{logger: logger, sink: sink, onLine: onLine}
}

// Write splits p into lines. A trailing partial line is kept for the next call.
func (c *StderrCollector) Write(p []byte) (int, error) {
	data := p
	if len(c.partial) > 0 {
		data = append(c.partial, p...)
		c.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		c.emit(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxHeaderLine {
		c.emit(data)
		data = nil
	}
	if len(data) > 0 {
		c.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

// Flush emits a final unterminated line, if any.
func (c *StderrCollector) Flush() {
	if len(c.partial) > 0 {
		c.emit(c.partial)
		c.partial = nil
	}
}

// Collect reads r until EOF and flushes. Read errors after the program has
// gone away are expected and not reported.
func (c *StderrCollector) Collect(r io.Reader) {
	_, _ = io.Copy(c, r)
	c.Flush()
}

func (c *StderrCollector) emit(line []byte) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	c.logger.Error("cgi stderr", "line", string(line))
	if c.sink != nil {
		_, _ = c.sink.Write(append(append([]byte(nil), line...), '\n'))
	}
	if c.onLine != nil {
		c.onLine()
	}
}
