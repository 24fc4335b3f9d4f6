package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cgi-gateway/internal/config"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCode int
		wantOut  string
	}{
		{
			name:     "valid",
			data:     "[[route]]\npath = \"/hello\"\ncmd = [\"/bin/sh\", \"-c\", \"true\"]\n",
			wantCode: 0,
			wantOut:  "/hello -> /bin/sh -c true",
		},
		{
			name:     "invalid",
			data:     "[server]\nport = -1\n",
			wantCode: 1,
			wantOut:  "config invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}

			var out bytes.Buffer
			if code := check(&config.CLI{Config: path}, &out); code != tt.wantCode {
				t.Errorf("check() = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestNewMetrics_Disabled(t *testing.T) {
	if m := newMetrics(&config.Config{}); m != nil {
		t.Error("newMetrics() returned collectors with metrics disabled")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	cfg := &config.Config{Log: config.LogConfig{Level: "info", Format: "text", File: path}}

	newLogger(cfg).Info("hello from test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file = %q, want message", data)
	}
}
