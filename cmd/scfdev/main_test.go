package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/offload"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// runApp runs the CLI with args and returns stdout. It mutates package flag
// variables, so callers must not run in parallel.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out, errOut bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(context.Background(), append([]string{"scfdev"}, args...))
	return out.String(), err
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "backend: host\nhost_devices: 3\ncache: false\ncache_limit_mib: 64\nlog_level: warn\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != "host" || cfg.HostDevices == nil || *cfg.HostDevices != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Cache == nil || *cfg.Cache || *cfg.CacheLimitMiB != 64 || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected cache config %+v", cfg)
	}
	if cfg.Tile != nil {
		t.Fatalf("unset field decoded as %d", *cfg.Tile)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing explicit config must fail")
	}
	if _, err := LoadConfig(writeConfig(t, "host_devices: [")); err == nil {
		t.Fatalf("malformed config must fail")
	}
}

func TestConfigFileDefaultsAndFlagPrecedence(t *testing.T) {
	path := writeConfig(t, "backend: host\nhost_devices: 3\nblas: gonum\ncache: false\n")
	out, err := runApp(t, "--config", path, "--host-devices", "2", "--log-level", "error", "devices", "--json")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	var infos []device.Info
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(infos) != 2 || infos[0].Backend != device.Host {
		t.Fatalf("flag must override config host_devices: %+v", infos)
	}
	cfg, err := facadeConfig()
	if err != nil {
		t.Fatalf("facadeConfig: %v", err)
	}
	if cfg.CacheEnabled || cfg.Backend != device.Host {
		t.Fatalf("config defaults not applied: %+v", cfg)
	}
}

func TestDevicesTable(t *testing.T) {
	out, err := runApp(t, "--backend", "host", "--host-devices", "2", "--log-level", "error", "devices")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "--log-level", "error", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "version:") || !strings.Contains(out, "backends:   host") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestBadLogLevel(t *testing.T) {
	if _, err := runApp(t, "--log-level", "loud", "version"); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}

func TestParseDeviceIDs(t *testing.T) {
	t.Parallel()
	ids, err := parseDeviceIDs(" 0, 2 ,3")
	if err != nil || len(ids) != 3 || ids[1] != 2 {
		t.Fatalf("parseDeviceIDs = %v, %v", ids, err)
	}
	if ids, err := parseDeviceIDs(""); err != nil || ids != nil {
		t.Fatalf("empty list = %v, %v", ids, err)
	}
	if _, err := parseDeviceIDs("0,x"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()
	cases := map[uint64]string{
		512:     "512 B",
		2048:    "2.0 KiB",
		3 << 20: "3.0 MiB",
		5 << 30: "5.0 GiB",
	}
	for n, want := range cases {
		if got := formatBytes(n); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func newTestFacade(t *testing.T, devices int) *offload.Facade {
	t.Helper()
	cfg := offload.DefaultConfig()
	cfg.Backend = device.Host
	cfg.HostDevices = devices
	f, err := offload.New(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("offload.New: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestRunVerifyPasses(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t, 2)
	opts := verifyOptions{NAO: 7, NAux: 9, NSet: 2, Blocks: 3, NMO: 6, NCore: 1, NCas: 3, Seed: 5, Tol: 1e-9}
	results := runVerify(context.Background(), f, opts)
	var out bytes.Buffer
	if failed := printChecks(&out, results, opts.Tol); failed != 0 {
		t.Fatalf("%d checks failed:\n%s", failed, out.String())
	}
	if len(results) < 12 {
		t.Fatalf("only %d checks ran", len(results))
	}
}

func TestRunBenchCounts(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t, 1)
	opts := benchOptions{NAO: 6, NAux: 5, NSet: 1, Blocks: 3, Warmup: 1, Runs: 2, WithK: true}
	results, err := runBench(context.Background(), f, opts)
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Hits != 0 || results[0].Transfers != 0 {
		t.Fatalf("uncached run touched the cache: %+v", results[0])
	}
	if results[1].Hits != int64(opts.Runs*opts.Blocks) || results[1].Transfers != 0 {
		t.Fatalf("warm cached run: %+v", results[1])
	}
	if !f.CacheEnabled() {
		t.Fatalf("cache state not restored")
	}
	var out bytes.Buffer
	printBench(&out, opts, results)
	if !strings.Contains(out.String(), "speedup") {
		t.Fatalf("missing speedup line:\n%s", out.String())
	}
}
