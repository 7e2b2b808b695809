package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
)

const sample = `
module = "sqlite.wasm"
strategy = "replay"
stack_size = "128KiB"
scratch_capacity = "4k"
memory_limit = "64MiB"
log_level = "debug"
metrics_addr = ":9090"

[[vfs]]
kind = "mem"
default = true

[[vfs]]
name = "files"
kind = "dir"
root = "/var/lib/db"
deferred = true

[[vfs]]
kind = "http"
url = "https://example.com/db/"
page_size = "32KiB"
cache_pages = 64
rate = 10.5
burst = 4
timeout = "30s"
  [vfs.header]
  Authorization = "Bearer x"

[[vfs]]
kind = "local"
mounts_db = "/var/lib/mounts.db"
  [vfs.mounts]
  "/data" = "/srv/data"
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := &Config{
		Module:          "sqlite.wasm",
		Strategy:        "replay",
		StackSize:       "128KiB",
		ScratchCapacity: "4k",
		MemoryLimit:     "64MiB",
		LogLevel:        "debug",
		MetricsAddr:     ":9090",
		VFS: []VFS{
			{Name: "mem", Kind: KindMem, Default: true},
			{Name: "files", Kind: KindDir, Root: "/var/lib/db", Deferred: true},
			{
				Name: "http", Kind: KindHTTP, URL: "https://example.com/db/",
				PageSize: "32KiB", CachePages: 64, Rate: 10.5, Burst: 4, Timeout: "30s",
				Header: map[string]string{"Authorization": "Bearer x"},
			},
			{
				Name: "local", Kind: KindLocal, MountsDB: "/var/lib/mounts.db",
				Mounts: map[string]string{"/data": "/srv/data"},
			},
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	bc, err := c.Bridge()
	if err != nil {
		t.Fatalf("Bridge: %v", err)
	}
	if diff := cmp.Diff(bridge.Config{Strategy: bridge.StrategyReplay, StackSize: 128 << 10, ScratchCapacity: 4000}, bc); diff != "" {
		t.Errorf("bridge config mismatch (-want +got):\n%s", diff)
	}
	ec, err := c.Engine()
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if diff := cmp.Diff(engine.Config{MemoryLimitPages: 1024}, ec); diff != "" {
		t.Errorf("engine config mismatch (-want +got):\n%s", diff)
	}
	if lvl, _ := c.Level(); lvl != zapcore.DebugLevel {
		t.Errorf("Level = %v", lvl)
	}
	if n, _ := c.VFS[2].PageBytes(); n != 32<<10 {
		t.Errorf("PageBytes = %d", n)
	}
	if d, _ := c.VFS[2].ClientTimeout(); d != 30*time.Second {
		t.Errorf("ClientTimeout = %v", d)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bc, _ := c.Bridge()
	if bc.Strategy != bridge.StrategyAuto || bc.StackSize != 64<<10 || bc.ScratchCapacity != 0 {
		t.Errorf("bridge defaults = %+v", bc)
	}
	ec, _ := c.Engine()
	if ec.MemoryLimitPages != 4096 {
		t.Errorf("MemoryLimitPages = %d", ec.MemoryLimitPages)
	}
	if len(c.VFS) != 1 || !c.VFS[0].Default || c.VFS[0].Kind != KindMem {
		t.Errorf("VFS defaults = %+v", c.VFS)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"strategy", `strategy = "fibers"`},
		{"replay with wasi", "strategy = \"replay\"\nwasi = true"},
		{"stack size", `stack_size = "lots"`},
		{"scratch", `scratch_capacity = "-1"`},
		{"memory too small", `memory_limit = "1KiB"`},
		{"memory too large", `memory_limit = "8GiB"`},
		{"log level", `log_level = "chatty"`},
		{"unknown kind", "[[vfs]]\nkind = \"tape\""},
		{"dir without root", "[[vfs]]\nkind = \"dir\""},
		{"local without db", "[[vfs]]\nkind = \"local\""},
		{"http page size", "[[vfs]]\nkind = \"http\"\npage_size = \"big\""},
		{"http timeout", "[[vfs]]\nkind = \"http\"\ntimeout = \"soon\""},
		{"http rate", "[[vfs]]\nkind = \"http\"\nrate = -1.0"},
		{"duplicate", "[[vfs]]\nkind = \"mem\"\n[[vfs]]\nkind = \"mem\""},
		{"two defaults", "[[vfs]]\nname = \"a\"\nkind = \"mem\"\ndefault = true\n[[vfs]]\nname = \"b\"\nkind = \"mem\"\ndefault = true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			if !errors.IsKind(err, errors.KindInvalidInput) {
				t.Errorf("Parse = %v, want invalid input", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	if err := os.WriteFile(path, []byte("module = \"x.wasm\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Module != "x.wasm" || c.LogLevel != defaultLogLevel {
		t.Errorf("Load = %+v", c)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("Load missing = %v", err)
	}
	if _, err := Parse([]byte("module = ")); !errors.IsKind(err, errors.KindInvalidData) {
		t.Errorf("Parse broken = %v", err)
	}
}
