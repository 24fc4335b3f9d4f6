package cgi

import (
	"bytes"
	"log/slog"
)

// Header warning kinds, as reported to the onWarn callback.
const (
	WarnMalformed = "malformed"
	WarnNoHeaders = "no_headers"
)

// maxHeaderLine bounds a header line up to its newline, CR included. A longer
// line is treated as body, whether or not its newline has arrived yet.
const maxHeaderLine = 64 << 10

// Splitter separates a CGI program's stdout into response headers and body.
// It starts in the header state and switches to passthrough at the first
// blank line, or at the first line that is not a header. Its result does not
// depend on how the stream is chunked.
type Splitter struct {
	out    ResponseChannel
	logger *slog.Logger
	onWarn func(kind string)

	buf     []byte // unclassified tail of the header block
	inBody  bool
	headers int
	seen    bool
}

// NewSplitter returns a Splitter writing to out. onWarn, if non-nil, is called
// once per warning with WarnMalformed or WarnNoHeaders.
func NewSplitter(out ResponseChannel, logger *slog.Logger, onWarn func(kind string)) *Splitter {
	return &Splitter{out: out, logger: logger, onWarn: onWarn}
}

// Headers returns the number of header lines parsed so far.
func (s *Splitter) Headers() int { return s.headers }

// Seen reports whether any output was written.
func (s *Splitter) Seen() bool { return s.seen }

// InBody reports whether the header block is over.
func (s *Splitter) InBody() bool { return s.inBody }

// Write consumes the next chunk of program output.
func (s *Splitter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		s.seen = true
	}
	if s.inBody {
		return s.out.Write(p)
	}
	s.buf = append(s.buf, p...)
	return len(p), s.parse()
}

// Close ends the stream. Output that never left the header state is
// forwarded as body.
func (s *Splitter) Close() error {
	if s.inBody {
		return nil
	}
	if len(s.buf) == 1 && s.buf[0] == '\r' {
		s.buf = nil
	}
	switch {
	case s.headers == 0:
		s.warn(WarnNoHeaders, nil)
	case len(s.buf) > 0:
		s.warn(WarnMalformed, s.buf)
	}
	return s.startBody()
}

func (s *Splitter) parse() error {
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			if len(s.buf) > maxHeaderLine || !mayBeHeader(s.buf) {
				return s.abandonHeaders()
			}
			return nil
		}
		// Same bound as the unterminated case above.
		if i > maxHeaderLine {
			return s.abandonHeaders()
		}

		line := s.buf[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		if len(line) == 0 {
			s.buf = s.buf[i+1:]
			return s.startBody()
		}

		name, value, ok := parseHeaderLine(line)
		if !ok {
			return s.abandonHeaders()
		}
		s.out.SetHeader(name, value)
		s.headers++
		s.buf = s.buf[i+1:]
	}
}

// abandonHeaders handles output that is neither a header nor the blank
// separator: everything still buffered, the offending line included, becomes
// body.
func (s *Splitter) abandonHeaders() error {
	if s.headers == 0 {
		s.warn(WarnNoHeaders, nil)
	} else {
		s.warn(WarnMalformed, s.buf)
	}
	return s.startBody()
}

func (s *Splitter) startBody() error {
	s.inBody = true
	rest := s.buf
	s.buf = nil
	if len(rest) == 0 {
		return nil
	}
	_, err := s.out.Write(rest)
	return err
}

func (s *Splitter) warn(kind string, sample []byte) {
	switch kind {
	case WarnNoHeaders:
		s.logger.Warn("no headers received")
	default:
		if i := bytes.IndexByte(sample, '\n'); i >= 0 {
			sample = sample[:i]
		}
		if len(sample) > 128 {
			sample = sample[:128]
		}
		s.logger.Warn("malformed cgi header",
			"line", string(sample),
			"headers", s.headers,
		)
	}
	if s.onWarn != nil {
		s.onWarn(kind)
	}
}

// parseHeaderLine splits "Name: value". Name must be an RFC 7230 token.
func parseHeaderLine(line []byte) (name, value string, ok bool) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", false
	}
	for _, c := range line[:colon] {
		if !isTokenChar(c) {
			return "", "", false
		}
	}
	return string(line[:colon]), string(bytes.Trim(line[colon+1:], " \t\r")), true
}

// mayBeHeader reports whether an incomplete line could still turn out to be a
// header or the blank separator.
func mayBeHeader(partial []byte) bool {
	if len(partial) == 1 && partial[0] == '\r' {
		return true
	}
	for i, c := range partial {
		if c == ':' {
			return i > 0
		}
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
