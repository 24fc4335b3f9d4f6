package handler

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"cgi-gateway/internal/config"
	"cgi-gateway/internal/process"
	"cgi-gateway/internal/rdns"
	"cgi-gateway/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway loads routes from a TOML snippet the same way the binary does.
func newTestGateway(t *testing.T, routes string) (*service.Gateway, *config.Config) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[dns]\ndisabled = true\n\n" + routes
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(&config.CLI{Config: path})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	logger := testLogger()
	gw := service.NewGateway(cfg, process.NewSpawner(logger, nil), rdns.New(cfg, logger), nil, logger, "test")
	t.Cleanup(func() { _ = gw.Close() })
	return gw, cfg
}
