// Package rdns resolves client addresses to host names for REMOTE_HOST.
package rdns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"cgi-gateway/internal/config"
)

// LookupFunc matches net.Resolver.LookupAddr.
type LookupFunc func(ctx context.Context, addr string) ([]string, error)

// Resolver performs cached reverse lookups. Failed lookups are cached as the
// address itself so an unresolvable client costs one query per TTL.
type Resolver struct {
	lookup  LookupFunc
	cache   *expirable.LRU[string, string]
	timeout time.Duration
	enabled bool
	logger  *slog.Logger
}

// New builds a Resolver from the [dns] section.
func New(cfg *config.Config, logger *slog.Logger) *Resolver {
	return NewWithLookup(cfg.DNS, net.DefaultResolver.LookupAddr, logger)
}

// NewWithLookup builds a Resolver around an arbitrary lookup function.
func NewWithLookup(dns config.DNSConfig, lookup LookupFunc, logger *slog.Logger) *Resolver {
	size := dns.CacheSize
	if size <= 0 {
		size = 1
	}
	return &Resolver{
		lookup:  lookup,
		cache:   expirable.NewLRU[string, string](size, nil, time.Duration(dns.CacheTTLSeconds)*time.Second),
		timeout: time.Duration(dns.TimeoutMillis) * time.Millisecond,
		enabled: !dns.Disabled,
		logger:  logger.With("component", "rdns"),
	}
}

// Lookup returns the host name for addr, or addr when resolution is disabled,
// fails, or times out.
func (r *Resolver) Lookup(ctx context.Context, addr string) string {
	if !r.enabled || addr == "" {
		return addr
	}
	if host, ok := r.cache.Get(addr); ok {
		return host
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	host := addr
	names, err := r.lookup(ctx, addr)
	switch {
	case err != nil:
		r.logger.Debug("reverse lookup failed", "addr", addr, "error", err)
		if errors.Is(ctx.Err(), context.Canceled) {
			// Caller went away; do not poison the cache.
			return addr
		}
	case len(names) > 0 && names[0] != "":
		host = strings.TrimSuffix(names[0], ".")
	}
	r.cache.Add(addr, host)
	return host
}
