package config

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cgi-gateway/internal/model"
	"cgi-gateway/internal/process"
)

// resolveRoutes turns validated [[route]] tables into runtime routes.
func resolveRoutes(in []RouteConfig) ([]*model.Route, error) {
	out := make([]*model.Route, 0, len(in))
	for i := range in {
		rc := &in[i]
		r, err := rc.resolve()
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Path, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (rc *RouteConfig) resolve() (*model.Route, error) {
	cmd, err := commandFrom(rc.Cmd)
	if err != nil {
		return nil, err
	}
	cmd.Path = resolveProgram(cmd.Path)

	env, err := rc.environment()
	if err != nil {
		return nil, err
	}
	stderr, err := rc.stderrPolicy()
	if err != nil {
		return nil, err
	}

	hooks := make([]process.Hook, 0, len(rc.PreExec))
	for _, step := range rc.PreExec {
		hooks = append(hooks, step.hook())
	}

	return &model.Route{
		Path:      normalizePath(rc.Path),
		Command:   cmd,
		Env:       env,
		Stderr:    stderr,
		Hooks:     hooks,
		PathExt:   rc.PathExt,
		Timeout:   time.Duration(rc.TimeoutSeconds) * time.Second,
		KillGrace: time.Duration(rc.KillGraceSeconds) * time.Second,
		ErrLog:    rc.ErrLog,
	}, nil
}

// environment merges env_file under the inline env table.
func (rc *RouteConfig) environment() (map[string]string, error) {
	env := make(map[string]string, len(rc.Env))
	if rc.EnvFile != "" {
		fromFile, err := godotenv.Read(rc.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("env_file %s: %w", rc.EnvFile, err)
		}
		for k, v := range fromFile {
			env[k] = v
		}
	}
	for k, v := range rc.Env {
		env[k] = v
	}
	return env, nil
}

// commandFrom accepts cmd = "prog" or cmd = ["prog", "arg", ...].
func commandFrom(v any) (model.Command, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return model.Command{}, fmt.Errorf("cmd must not be empty")
		}
		return model.Command{Path: t}, nil
	case []any:
		if len(t) == 0 {
			return model.Command{}, fmt.Errorf("cmd must not be empty")
		}
		parts := make([]string, 0, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return model.Command{}, fmt.Errorf("cmd[%d] must be a string; got %T", i, e)
			}
			parts = append(parts, s)
		}
		if strings.TrimSpace(parts[0]) == "" {
			return model.Command{}, fmt.Errorf("cmd must not be empty")
		}
		return model.Command{Path: parts[0], Args: parts[1:]}, nil
	default:
		return model.Command{}, fmt.Errorf("cmd must be a string or an array of strings; got %T", v)
	}
}

// resolveProgram looks bare names up in PATH and makes relative paths absolute.
// Failures leave the name untouched so the spawn error surfaces per request.
func resolveProgram(name string) string {
	if !strings.Contains(name, "/") {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
		return name
	}
	if abs, err := filepath.Abs(name); err == nil {
		return abs
	}
	return name
}

func (s PreExecStep) hook() process.Hook {
	switch {
	case s.Dir != "":
		return process.Chdir(s.Dir)
	case s.Chroot != "":
		return process.Chroot(s.Chroot)
	default:
		return process.RunAs(s.User, s.Group)
	}
}
