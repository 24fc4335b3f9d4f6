package service

import (
	"net"
	"net/http"
	"strings"

	"cgi-gateway/internal/model"
)

// newRequestContext captures the facts of r that the CGI environment needs.
// extraPath is the part of the URL path after the route prefix.
func newRequestContext(r *http.Request, route *model.Route, extraPath, requestID string) *model.RequestContext {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	serverName, serverPort := splitHostPort(r.Host)
	if serverPort == "" {
		serverPort = defaultPort(scheme)
	}

	rc := &model.RequestContext{
		Method:        r.Method,
		Scheme:        scheme,
		Host:          r.Host,
		ServerName:    serverName,
		ServerPort:    serverPort,
		Path:          r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header.Clone(),
		Proto:         r.Proto,
		TLS:           r.TLS != nil,
		ContentLength: r.ContentLength,
		ContentType:   r.Header.Get("Content-Type"),
		ScriptName:    route.Path,
		ExtraPath:     strings.TrimPrefix(extraPath, "/"),
		RequestID:     requestID,
	}
	if rc.Header == nil {
		rc.Header = http.Header{}
	}
	rc.RemoteAddr, rc.RemotePort = splitHostPort(r.RemoteAddr)

	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && addr != nil {
		rc.LocalAddr, _ = splitHostPort(addr.String())
	}

	if user, _, ok := r.BasicAuth(); ok {
		rc.AuthType = "Basic"
		rc.RemoteUser = user
	}
	return rc
}

// splitHostPort splits "host:port", tolerating a missing port and IPv6 brackets.
func splitHostPort(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), ""
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
