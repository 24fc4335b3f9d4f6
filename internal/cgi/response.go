package cgi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
)

// Outcome is the way a CGI exchange ended.
type Outcome int

const (
	// OutcomeComplete means the program exited and its output was relayed.
	OutcomeComplete Outcome = iota
	// OutcomeAborted means the client went away before the program finished.
	OutcomeAborted
	// OutcomeSpawnError means the program could not be started.
	OutcomeSpawnError
	// OutcomeTimeout means the program was terminated for running too long.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeAborted:
		return "aborted"
	case OutcomeSpawnError:
		return "spawn_error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ResponseChannel is the HTTP response as seen by the coordinator.
type ResponseChannel interface {
	// SetHeader sets a response header; the last value for a name wins.
	// Calls after the first body byte are ignored.
	SetHeader(name, value string)
	// Write appends body bytes, committing the headers on first use.
	Write(p []byte) (int, error)
	// Live reports whether the client can still receive data.
	Live() bool
	// Committed reports whether the status line has been sent.
	Committed() bool
	// Finalize ends the response. Only the first call has any effect; it
	// reports whether this call was that first one.
	Finalize(o Outcome) bool
}

// HTTPResponse adapts an http.ResponseWriter to ResponseChannel. It is not safe
// for concurrent use; the coordinator is its only writer.
type HTTPResponse struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	ctx       context.Context
	status    int
	committed bool
	writeErr  error
	finalized atomic.Bool
}

// NewHTTPResponse wraps w. ctx is the request context; its cancellation marks
// the response as no longer live.
func NewHTTPResponse(ctx context.Context, w http.ResponseWriter) *HTTPResponse {
	return &HTTPResponse{
		w:      w,
		rc:     http.NewResponseController(w),
		ctx:    ctx,
		status: http.StatusOK,
	}
}

// SetHeader implements ResponseChannel. A "Status" header sets the response
// code instead (RFC 3875 section 6.3.3).
func (r *HTTPResponse) SetHeader(name, value string) {
	if r.committed {
		return
	}
	if strings.EqualFold(name, "Status") {
		if code, ok := parseStatus(value); ok {
			r.status = code
		}
		return
	}
	r.w.Header().Set(name, value)
}

// Write implements ResponseChannel. Every write is flushed so the client sees
// the program's output as it is produced.
func (r *HTTPResponse) Write(p []byte) (int, error) {
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	r.commit()
	n, err := r.w.Write(p)
	if err != nil {
		r.writeErr = err
		return n, err
	}
	r.flush()
	return n, nil
}

// Live implements ResponseChannel.
func (r *HTTPResponse) Live() bool {
	return r.ctx.Err() == nil && r.writeErr == nil
}

// Committed implements ResponseChannel.
func (r *HTTPResponse) Committed() bool { return r.committed }

// Status returns the status code that was or will be sent.
func (r *HTTPResponse) Status() int { return r.status }

// Finalize implements ResponseChannel.
func (r *HTTPResponse) Finalize(o Outcome) bool {
	if !r.finalized.CompareAndSwap(false, true) {
		return false
	}
	switch o {
	case OutcomeComplete:
		r.commit()
		r.flush()
	case OutcomeSpawnError:
		r.fail(http.StatusInternalServerError, "failed to start cgi program")
	case OutcomeTimeout:
		r.fail(http.StatusGatewayTimeout, "cgi program timed out")
	case OutcomeAborted:
		// Nobody is listening.
	}
	return true
}

func (r *HTTPResponse) commit() {
	if r.committed {
		return
	}
	r.committed = true
	r.w.WriteHeader(r.status)
}

func (r *HTTPResponse) flush() {
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		r.writeErr = err
	}
}

// fail replaces whatever the program managed to set with a JSON error, unless
// the status line is already out.
func (r *HTTPResponse) fail(code int, msg string) {
	if r.committed {
		return
	}
	h := r.w.Header()
	for k := range h {
		delete(h, k)
	}
	h.Set("Content-Type", "application/json")
	r.status = code
	r.commit()
	_ = json.NewEncoder(r.w).Encode(map[string]string{"error": msg})
}

// parseStatus extracts the code from a "Status: 404 Not Found" value.
func parseStatus(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(v[:3])
	if err != nil || code < 100 || code > 999 {
		return 0, false
	}
	return code, true
}
