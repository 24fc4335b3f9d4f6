// Package cgi implements the request/process bridge of the gateway: the CGI
// environment, the stdout header splitter, the stderr collector and the
// per-request lifecycle coordinator.
package cgi

import (
	"sort"
	"strconv"
	"strings"

	"cgi-gateway/internal/model"
)

const (
	// GatewayInterface is the CGI revision announced to programs.
	GatewayInterface = "CGI/1.1"
	// DefaultPath is the PATH a program sees unless the route overrides it.
	DefaultPath = "/bin:/usr/bin"
)

// Env is an ordered environment mapping. Setting an existing key replaces the
// value but keeps the key's original position.
type Env struct {
	keys []string
	vals map[string]string
}

// NewEnv returns an empty Env.
func NewEnv() *Env {
	return &Env{vals: make(map[string]string)}
}

// Set assigns value to key.
func (e *Env) Set(key, value string) {
	if _, ok := e.vals[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.vals[key] = value
}

// Get returns the value of key.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vals[key]
	return v, ok
}

// Len returns the number of variables.
func (e *Env) Len() int { return len(e.keys) }

// Keys returns the variable names in insertion order.
func (e *Env) Keys() []string {
	return append([]string(nil), e.keys...)
}

// Environ returns the mapping in KEY=value form, as exec.Cmd.Env expects.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

// EnvBuilder produces the environment for one CGI invocation.
type EnvBuilder struct {
	// Software is the SERVER_SOFTWARE value, "<name>/<version>".
	Software string
}

// Build returns the complete child environment for rc. Later layers override
// earlier ones: defaults, the route's static env, HTTP_* request headers, and
// finally the RFC 3875 request variables. Nothing from the gateway's own
// environment is included.
func (b EnvBuilder) Build(rc *model.RequestContext, static map[string]string, command string) *Env {
	env := NewEnv()

	env.Set("PATH", DefaultPath)
	env.Set("SERVER_SOFTWARE", b.Software)

	for _, k := range sortedKeys(static) {
		env.Set(k, static[k])
	}

	names := make([]string, 0, len(rc.Header))
	for name := range rc.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	hasHost := false
	for _, name := range names {
		if strings.EqualFold(name, "Host") {
			hasHost = true
		}
		env.Set(headerVar(name), headerValue(strings.Join(rc.Header[name], ", ")))
	}
	// net/http moves Host out of the header map.
	if !hasHost && rc.Host != "" {
		env.Set("HTTP_HOST", headerValue(rc.Host))
	}

	remoteHost := rc.RemoteHost
	if remoteHost == "" {
		remoteHost = rc.RemoteAddr
	}
	contentLength := rc.ContentLength
	if contentLength < 0 {
		contentLength = 0
	}

	env.Set("CONTENT_LENGTH", strconv.FormatInt(contentLength, 10))
	env.Set("CONTENT_TYPE", rc.ContentType)
	env.Set("GATEWAY_INTERFACE", GatewayInterface)
	env.Set("PATH_INFO", "/"+strings.TrimPrefix(rc.ExtraPath, "/"))
	env.Set("QUERY_STRING", rc.RawQuery)
	env.Set("REMOTE_ADDR", rc.RemoteAddr)
	env.Set("LOCAL_ADDR", rc.LocalAddr)
	env.Set("REMOTE_HOST", remoteHost)
	env.Set("REQUEST_METHOD", rc.Method)
	env.Set("SERVER_NAME", rc.ServerName)
	env.Set("SCRIPT_FILENAME", command)
	env.Set("SERVER_PORT", rc.ServerPort)
	env.Set("SERVER_PROTOCOL", rc.Proto)
	env.Set("REMOTE_PORT", rc.RemotePort)
	env.Set("REQUEST_URI", requestURI(rc))
	env.Set("SCRIPT_NAME", rc.ScriptName)

	if rc.TLS {
		env.Set("HTTPS", "on")
	}
	if rc.AuthType != "" {
		env.Set("AUTH_TYPE", rc.AuthType)
		env.Set("REMOTE_USER", rc.RemoteUser)
	}

	return env
}

// headerVar maps a header name to its HTTP_* variable name.
func headerVar(name string) string {
	return "HTTP_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// headerValue applies the same dash mangling to the value. Existing CGI
// programs behind this gateway depend on it.
func headerValue(v string) string {
	return strings.ReplaceAll(v, "-", "_")
}

func requestURI(rc *model.RequestContext) string {
	path := rc.Path
	if path == "" {
		path = "/"
	}
	if rc.RawQuery != "" {
		return path + "?" + rc.RawQuery
	}
	return path
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
