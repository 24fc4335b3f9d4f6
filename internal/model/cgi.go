// Package model defines shared types for the gateway.
package model

import (
	"net/http"
	"strings"
	"time"

	"cgi-gateway/internal/process"
)

// StderrPolicy selects what happens to the CGI program's standard error.
type StderrPolicy string

const (
	// StderrLog logs every stderr line at error level.
	StderrLog StderrPolicy = "log"
	// StderrDrop discards stderr output.
	StderrDrop StderrPolicy = "drop"
	// StderrMerge sends stderr through the stdout pipe (2>&1).
	StderrMerge StderrPolicy = "merge"
)

// Command is a resolved program path plus its argument list.
type Command struct {
	Path string
	Args []string
}

// String returns the command line as it would be typed in a shell, without quoting.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Route is the immutable per-route gateway configuration. It is built once by
// config.Load and never mutated afterwards.
type Route struct {
	Path      string
	Command   Command
	Env       map[string]string
	Stderr    StderrPolicy
	Hooks     []process.Hook
	PathExt   bool
	Timeout   time.Duration
	KillGrace time.Duration
	ErrLog    string
}

// RequestContext holds the per-request facts the CGI environment is built from.
// It is created for a single request and never shared.
type RequestContext struct {
	Method     string
	Scheme     string
	Host       string // Host header as sent, possibly with port
	ServerName string
	ServerPort string
	Path       string // escaped absolute path
	RawQuery   string
	Header     http.Header
	Proto      string
	TLS        bool

	ContentLength int64
	ContentType   string

	RemoteAddr string
	RemotePort string
	RemoteHost string
	LocalAddr  string

	AuthType   string
	RemoteUser string

	ScriptName string // matched route prefix
	ExtraPath  string // trailing segment after ScriptName, without leading slash
	RequestID  string
}

// OutcomeKey is the echo context key under which the CGI handler stores how
// an exchange ended.
const OutcomeKey = "cgi_outcome"

// Outcomes recorded under OutcomeKey besides those of a finished exchange.
const (
	OutcomeBusy    = "busy"
	OutcomeBadBody = "bad_body"
	OutcomeError   = "error"
)

// Version is a string type for dependency injection of the build version.
type Version string
