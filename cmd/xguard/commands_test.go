package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/omeyang/xguard/internal/controlplane"
)

// lenientHealth 放宽内存与磁盘阈值，使结果不受宿主机影响。
const lenientHealth = `
health:
  memory_threshold: 100
  disk_degraded: 100
  disk_critical: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExitError(t *testing.T) {
	err := &exitError{code: 2}
	want := "exit status 2"
	if err.Error() != want {
		t.Errorf("exitError.Error() = %q, want %q", err.Error(), want)
	}

	var target *exitError
	if !errors.As(error(err), &target) {
		t.Fatal("errors.As failed for *exitError")
	}
	if target.code != 2 {
		t.Errorf("exitError.code = %d, want 2", target.code)
	}
}

func TestUsageError(t *testing.T) {
	inner := errors.New("bad addr")
	err := &usageError{err: inner}
	if err.Error() != "bad addr" {
		t.Errorf("usageError.Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("usageError should unwrap to the inner error")
	}
}

func TestCreateCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range createCommands() {
		names[cmd.Name] = true
	}
	for _, name := range []string{"serve", "check", "config", "version"} {
		if !names[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestRun_ExitCodes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	invalid := writeConfig(t, "balancer:\n  strategy: random\n")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"xguard", "version"}, 0},
		{"config defaults", []string{"xguard", "config"}, 0},
		{"missing config file", []string{"xguard", "-c", missing, "config"}, 2},
		{"invalid config", []string{"xguard", "--config", invalid, "check"}, 2},
		{"invalid config on serve", []string{"xguard", "--config", invalid, "serve"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(context.Background(), tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestCmdConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\nbalancer:\n  strategy: weighted\n")
	var out bytes.Buffer
	if err := cmdConfig(&out, path); err != nil {
		t.Fatalf("cmdConfig: %v", err)
	}
	for _, want := range []string{`"Addr": ":9090"`, `"Strategy": "weighted"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %s:\n%s", want, out.String())
		}
	}
}

func TestCmdConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "limits:\n  ip:\n    max_tokens: 0\n")
	err := cmdConfig(&bytes.Buffer{}, path)

	var usageErr *usageError
	if !errors.As(err, &usageErr) {
		t.Fatalf("expected *usageError, got %T: %v", err, err)
	}
	if !errors.Is(err, controlplane.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCmdCheck_Healthy(t *testing.T) {
	path := writeConfig(t, lenientHealth)
	var out bytes.Buffer
	if err := cmdCheck(context.Background(), &out, path, 0, true); err != nil {
		t.Fatalf("cmdCheck: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), `"status": "HEALTHY"`) {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestCmdCheck_Unhealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	path := writeConfig(t, lenientHealth+"  http:\n    - name: upstream\n      url: "+upstream.URL+"\n")
	var out bytes.Buffer
	err := cmdCheck(context.Background(), &out, path, 0, false)

	var exitErr *exitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *exitError, got %T: %v", err, err)
	}
	if exitErr.code != 1 {
		t.Errorf("exitError.code = %d, want 1", exitErr.code)
	}
	if !strings.Contains(out.String(), `"upstream"`) {
		t.Errorf("output should include the failing check:\n%s", out.String())
	}
}

func TestCmdCheck_RetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := lenientHealth + "  http:\n    - name: upstream\n      url: " + upstream.URL + "\n" +
		"retry:\n  delay: 1ms\n  max_delay: 1ms\n"
	path := writeConfig(t, cfg)
	if err := cmdCheck(context.Background(), &bytes.Buffer{}, path, 3, false); err != nil {
		t.Fatalf("cmdCheck: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
}
