package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/config"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/metrics"
	"github.com/wippyai/wasm-vfs/runtime"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/worker"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(s string) error { *l = append(*l, s); return nil }

type options struct {
	configPath  string
	wasmFile    string
	funcName    string
	strategy    string
	metricsAddr string
	args        listFlag
	vfses       listFlag
	list        bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to TOML configuration")
	flag.StringVar(&o.wasmFile, "wasm", "", "Path to the engine module (overrides config)")
	flag.StringVar(&o.funcName, "func", "", "Export to call")
	flag.Var(&o.args, "arg", "Argument to pass (repeatable); non-numeric i32 arguments are passed as C strings")
	flag.Var(&o.vfses, "vfs", "Backend name=kind[:target] (repeatable), e.g. files=dir:/tmp/db")
	flag.StringVar(&o.strategy, "strategy", "", "Bridge strategy: auto, replay or stack-switch")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	flag.BoolVar(&o.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(o options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.wasmFile != "" {
		cfg.Module = o.wasmFile
	}
	if o.strategy != "" {
		cfg.Strategy = o.strategy
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	for _, s := range o.vfses {
		v, err := parseVFS(s)
		if err != nil {
			return nil, err
		}
		cfg.VFS = append(cfg.VFS, v)
	}
	if cfg.Module == "" {
		return nil, errors.New("no engine module: use -wasm or set module in the config")
	}
	return cfg, cfg.Validate()
}

// parseVFS parses name=kind[:target]. The target is the root of a dir
// backend, the base URL of an http backend or the mount table of a local
// backend.
func parseVFS(s string) (config.VFS, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return config.VFS{}, fmt.Errorf("-vfs %q: want name=kind[:target]", s)
	}
	kind, target, _ := strings.Cut(rest, ":")
	v := config.VFS{Name: name, Kind: kind, Deferred: kind != config.KindMem}
	switch kind {
	case config.KindDir:
		v.Root = target
	case config.KindHTTP:
		v.URL = target
	case config.KindLocal:
		v.MountsDB = target
	}
	return v, nil
}

func newLogger(cfg *config.Config, quiet bool) (*zap.Logger, error) {
	if quiet {
		return zap.NewNop(), nil
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	return zc.Build()
}

func installLogger(l *zap.Logger) {
	engine.SetLogger(l.Named("engine"))
	bridge.SetLogger(l.Named("bridge"))
	arena.SetLogger(l.Named("arena"))
	vfs.SetLogger(l.Named("vfs"))
	runtime.SetLogger(l.Named("runtime"))
	worker.SetLogger(l.Named("worker"))
}

func serveMetrics(addr string, p *metrics.Prometheus, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func run(o options) error {
	ctx := context.Background()

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("-i needs a terminal")
	}

	log, err := newLogger(cfg, o.interactive)
	if err != nil {
		return err
	}
	defer log.Sync()
	installLogger(log)

	var obs metrics.Observer
	if cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus()
		obs = p
		srv := serveMetrics(cfg.MetricsAddr, p, log)
		defer srv.Shutdown(ctx)
	}

	data, err := os.ReadFile(cfg.Module)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	rt, err := runtime.FromConfig(ctx, cfg, obs)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	if o.interactive {
		return runInteractive(ctx, rt, cfg.Module, data)
	}

	inst, err := rt.Open(ctx, data)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer inst.Close(ctx)

	funcs := exportedFuncs(inst)
	if o.list || o.funcName == "" {
		fmt.Printf("Module: %s (%s strategy)\n", cfg.Module, inst.Bridge().Strategy())
		fmt.Printf("VFS: %s\n\nExported functions:\n", strings.Join(inst.VFS().Names(), ", "))
		for _, f := range funcs {
			fmt.Printf("  %s\n", f)
		}
		if !o.list {
			fmt.Printf("\nUse -func to call one of them.\n")
		}
		return nil
	}

	f, ok := findFunc(funcs, o.funcName)
	if !ok {
		return fmt.Errorf("no export named %s", o.funcName)
	}
	args, err := encodeArgs(f, o.args)
	if err != nil {
		return err
	}
	res, err := inst.Go(ctx, f.name, args...).Wait()
	if err != nil {
		return fmt.Errorf("call %s: %w", f.name, err)
	}
	fmt.Printf("Result: %s\n", formatResults(f, res))

	st := inst.Bridge().Stats()
	fmt.Printf("Bridge: %d calls, %d suspends, %d replays, %d memo hits\n", st.Calls, st.Suspends, st.Replays, st.MemoHits)
	return nil
}
