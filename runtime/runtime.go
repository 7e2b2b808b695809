package runtime

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/metrics"
	"github.com/wippyai/wasm-vfs/vfs"
)

// Config configures a Runtime.
type Config struct {
	Engine engine.Config
	// Bridge configures every instance's bridge. A nil Observer is
	// replaced by the runtime's.
	Bridge   bridge.Config
	Observer metrics.Observer

	// Backends are registered on every instance after start-up, in order.
	Backends []Backend
	// Hosts provides extra import modules.
	Hosts *HostRegistry

	// Now and Rand override the clock and entropy served to the engine.
	Now  func() time.Time
	Rand io.Reader
}

// Backend is a VFS registered on every instance.
type Backend struct {
	VFS     vfs.VFS
	Options vfs.Options
}

// Runtime compiles engine modules and opens instances of them.
type Runtime struct {
	engine *engine.Engine
	cfg    Config

	mu      sync.Mutex
	closers []io.Closer
}

// New creates a runtime.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	cfg.Observer = metrics.OrNop(cfg.Observer)
	if cfg.Bridge.Observer == nil {
		cfg.Bridge.Observer = cfg.Observer
	}
	eng, err := engine.New(ctx, &cfg.Engine)
	if err != nil {
		return nil, errors.Load("create engine", err)
	}
	return &Runtime{engine: eng, cfg: cfg}, nil
}

// OnClose arranges for c to be closed with the runtime, after the engine.
func (r *Runtime) OnClose(c io.Closer) {
	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()
}

// Close releases the engine and everything registered with OnClose.
// Instances must be closed first.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.engine.Close(ctx)
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Compile validates and compiles an engine module.
func (r *Runtime) Compile(ctx context.Context, wasm []byte) (*engine.Module, error) {
	return r.engine.Compile(ctx, wasm)
}

// Open compiles wasm and opens an instance of it.
func (r *Runtime) Open(ctx context.Context, wasm []byte) (*Instance, error) {
	m, err := r.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	return r.Instantiate(ctx, m)
}

// Instantiate opens an instance of a compiled module: it provides the
// env, vfs, vfs_io and value imports, wraps the instance with a bridge,
// runs _initialize or _start through it, and registers the configured
// backends.
func (r *Runtime) Instantiate(ctx context.Context, m *engine.Module) (*Instance, error) {
	inst, err := r.assemble(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := inst.start(ctx, m); err != nil {
		inst.Close(ctx)
		return nil, err
	}
	for _, b := range r.cfg.Backends {
		if _, err := inst.RegisterWithOptions(ctx, b.VFS, b.Options); err != nil {
			inst.Close(ctx)
			return nil, err
		}
	}
	Logger().Debug("instance opened",
		zap.Stringer("strategy", inst.bridge.Strategy()),
		zap.Strings("vfs", inst.vfs.Names()))
	return inst, nil
}
