// Package config handles TOML configuration loading and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"

	"cgi-gateway/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cgi-gateway/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the gateway itself and cannot be CGI routes.
var reservedPaths = []string{"/healthz", "/gateway/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Check    bool             `kong:"help='Validate the configuration and exit.'"`
	Version  kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	DNS     DNSConfig     `toml:"dns"`
	Routes  []RouteConfig `toml:"route"`

	filePath string         // resolved config file path (unexported)
	routes   []*model.Route // resolved from Routes by Load
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	MaxProcesses int             `toml:"max_processes"` // 0 means unlimited
	KeepProxy    bool            `toml:"keep_proxy_header"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string            `toml:"level"`
	Format   string            `toml:"format"`
	File     string            `toml:"file"` // empty means stdout
	Rotation LogRotationConfig `toml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
// It applies to log.file and to every route errlog.
type LogRotationConfig struct {
	MaxSize    int  `toml:"max_size"`    // megabytes before rotation (default 100)
	MaxBackups int  `toml:"max_backups"` // rotated files to keep (default 3)
	MaxAge     int  `toml:"max_age"`     // days to retain rotated files (default 28)
	Compress   bool `toml:"compress"`
	LocalTime  bool `toml:"local_time"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DNSConfig controls the reverse lookup behind REMOTE_HOST.
type DNSConfig struct {
	Disabled        bool `toml:"disabled"`
	TimeoutMillis   int  `toml:"timeout_ms"`
	CacheSize       int  `toml:"cache_size"`
	CacheTTLSeconds int  `toml:"cache_ttl_seconds"`
}

// RouteConfig is one [[route]] table.
type RouteConfig struct {
	Path             string            `toml:"path"`
	Cmd              any               `toml:"cmd"` // "prog" or ["prog", "arg", ...]
	Env              map[string]string `toml:"env"`
	EnvFile          string            `toml:"env_file"`
	Stderr           string            `toml:"stderr"` // log|drop|merge
	QuashStderr      bool              `toml:"quash_stderr"`
	MergeStderr      bool              `toml:"merge_stderr"`
	ErrLog           string            `toml:"errlog"`
	PathExt          bool              `toml:"path_ext"`
	TimeoutSeconds   int               `toml:"timeout_seconds"`
	KillGraceSeconds int               `toml:"kill_grace_seconds"`
	PreExec          []PreExecStep     `toml:"pre_exec"`
}

// PreExecStep is one [[route.pre_exec]] entry. Exactly one action must be set
// (Group only accompanies User). Steps run in file order.
type PreExecStep struct {
	Dir    string `toml:"dir"`
	User   string `toml:"user"`
	Group  string `toml:"group"`
	Chroot string `toml:"chroot"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cgi-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("config: parse %s: %s", path, strict.String())
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if cfg.routes, err = resolveRoutes(cfg.Routes); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.MaxProcesses < 0 {
		return fmt.Errorf("server.max_processes must be non-negative; got %d", c.Server.MaxProcesses)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.DNS.TimeoutMillis < 0 || c.DNS.CacheSize < 0 || c.DNS.CacheTTLSeconds < 0 {
		return fmt.Errorf("dns settings must be non-negative")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[route]] is required")
	}
	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		if err := r.validate(); err != nil {
			return fmt.Errorf("route[%d]: %w", i, err)
		}
		p := normalizePath(r.Path)
		if seen[p] {
			return fmt.Errorf("route[%d]: duplicate path %q", i, r.Path)
		}
		seen[p] = true
		for _, reserved := range c.reserved() {
			if p == reserved {
				return fmt.Errorf("route[%d]: path %q conflicts with reserved route %q", i, r.Path, reserved)
			}
		}
	}

	return nil
}

// reserved returns the gateway's own endpoints.
func (c *Config) reserved() []string {
	out := append([]string(nil), reservedPaths...)
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" {
			p = "/metrics"
		}
		out = append(out, p)
	}
	return out
}

func (r *RouteConfig) validate() error {
	if r.Path == "" || r.Path[0] != '/' {
		return fmt.Errorf("path must start with '/'; got %q", r.Path)
	}
	if r.Cmd == nil {
		return fmt.Errorf("cmd is required")
	}
	if _, err := commandFrom(r.Cmd); err != nil {
		return err
	}
	if _, err := r.stderrPolicy(); err != nil {
		return err
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be non-negative; got %d", r.TimeoutSeconds)
	}
	if r.KillGraceSeconds < 0 {
		return fmt.Errorf("kill_grace_seconds must be non-negative; got %d", r.KillGraceSeconds)
	}
	for i, step := range r.PreExec {
		if err := step.validate(); err != nil {
			return fmt.Errorf("pre_exec[%d]: %w", i, err)
		}
	}
	return nil
}

// stderrPolicy folds stderr, quash_stderr and merge_stderr into one policy.
func (r *RouteConfig) stderrPolicy() (model.StderrPolicy, error) {
	if r.QuashStderr && r.MergeStderr {
		return "", fmt.Errorf("quash_stderr and merge_stderr are mutually exclusive")
	}
	flag := model.StderrPolicy("")
	switch {
	case r.QuashStderr:
		flag = model.StderrDrop
	case r.MergeStderr:
		flag = model.StderrMerge
	}

	explicit := model.StderrPolicy(strings.ToLower(r.Stderr))
	switch explicit {
	case "":
		if flag != "" {
			return flag, nil
		}
		return model.StderrLog, nil
	case model.StderrLog, model.StderrDrop, model.StderrMerge:
		if flag != "" && flag != explicit {
			return "", fmt.Errorf("stderr = %q contradicts quash_stderr/merge_stderr", r.Stderr)
		}
		return explicit, nil
	default:
		return "", fmt.Errorf("stderr must be one of: log, drop, merge; got %q", r.Stderr)
	}
}

func (s PreExecStep) validate() error {
	n := 0
	for _, v := range []string{s.Dir, s.User, s.Chroot} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of dir, user, chroot must be set")
	}
	if s.Group != "" && s.User == "" {
		return fmt.Errorf("group requires user")
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Rotation.MaxSize == 0 {
		c.Log.Rotation.MaxSize = 100
	}
	if c.Log.Rotation.MaxBackups == 0 {
		c.Log.Rotation.MaxBackups = 3
	}
	if c.Log.Rotation.MaxAge == 0 {
		c.Log.Rotation.MaxAge = 28
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.DNS.TimeoutMillis == 0 {
		c.DNS.TimeoutMillis = 500
	}
	if c.DNS.CacheSize == 0 {
		c.DNS.CacheSize = 4096
	}
	if c.DNS.CacheTTLSeconds == 0 {
		c.DNS.CacheTTLSeconds = 300
	}
	for i := range c.Routes {
		if c.Routes[i].KillGraceSeconds == 0 {
			c.Routes[i].KillGraceSeconds = 2
		}
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolvedRoutes returns the CGI routes built by Load.
func (c *Config) ResolvedRoutes() []*model.Route {
	return c.routes
}

// PathPrefixes returns every path the gateway serves, for bounded metric labels.
func (c *Config) PathPrefixes() []string {
	out := c.reserved()
	for _, r := range c.routes {
		out = append(out, r.Path)
	}
	return out
}

// WarnPermissions logs a warning if the config file is writable by group or
// others. A writable config lets anyone change which programs are executed.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
