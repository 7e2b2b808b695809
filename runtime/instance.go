package runtime

import (
	"context"
	stderrors "errors"
	"slices"

	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/metrics"
	"github.com/wippyai/wasm-vfs/resource"
	"github.com/wippyai/wasm-vfs/value"
	"github.com/wippyai/wasm-vfs/vfs"
)

// Instance is one running engine module with its bridge, arena, handle
// table and VFS registry. It runs one top-level call at a time.
type Instance struct {
	inst    *engine.Instance
	bridge  *bridge.Bridge
	arena   *arena.Arena
	vfs     *vfs.Registry
	handles *resource.Table
	binder  *value.Binder
	reader  *value.Reader
	gauge   *handleGauge
}

// handleGauge reports handle table events to a metrics observer.
type handleGauge struct {
	obs metrics.Observer
}

func (g *handleGauge) OnResourceEvent(e resource.Event) {
	switch e.Type {
	case resource.EventCreated:
		g.obs.HandleAcquired()
	case resource.EventReleased:
		g.obs.HandleReleased()
	}
}

func (r *Runtime) assemble(ctx context.Context, m *engine.Module) (*Instance, error) {
	reg := vfs.NewRegistry(vfs.Config{
		Observer: r.cfg.Observer,
		Now:      r.cfg.Now,
		Rand:     r.cfg.Rand,
	})
	handles := resource.NewTable()
	gauge := &handleGauge{obs: metrics.OrNop(r.cfg.Observer)}
	handles.Subscribe(gauge)

	hosts := append(reg.HostModules(), value.HostModule(handles), envModule())
	hosts = append(hosts, r.cfg.Hosts.Modules()...)
	inst, err := r.engine.Instantiate(ctx, m, hosts...)
	if err != nil {
		return nil, err
	}
	if inst.Memory() == nil {
		inst.Close(ctx)
		return nil, errors.Unsupported(errors.PhaseLoad, "engine module without exported memory")
	}

	br, err := bridge.Wrap(ctx, inst, r.cfg.Bridge)
	if err != nil {
		inst.Close(ctx)
		return nil, err
	}
	a := arena.New(inst.Memory(), inst.Allocator(), r.cfg.Observer)
	reg.Attach(br, a)

	return &Instance{
		inst:    inst,
		bridge:  br,
		arena:   a,
		vfs:     reg,
		handles: handles,
		binder:  value.NewBinder(br, a, handles),
		reader:  value.NewReader(br, inst.Memory(), handles),
		gauge:   gauge,
	}, nil
}

// start runs the module's initializer through the bridge, so that its
// imports may already suspend. A reactor's _initialize wins over _start.
// A WASI exit with status 0 is a normal return.
func (i *Instance) start(ctx context.Context, m *engine.Module) error {
	exports := m.Exports()
	for _, name := range []string{"_initialize", "_start"} {
		if !slices.Contains(exports, name) {
			continue
		}
		_, err := i.bridge.Call(ctx, name)
		var exit *sys.ExitError
		if stderrors.As(err, &exit) && exit.ExitCode() == 0 {
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "run "+name)
		}
		return nil
	}
	return nil
}

// Call invokes an export through the bridge.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return i.bridge.Call(ctx, name, params...)
}

// Arg is an export argument for Go: a core value, or text passed as the
// address of a NUL-terminated copy.
type Arg struct {
	Value uint64
	Text  string
	// IsText selects Text over Value.
	IsText bool
}

// ValueArg passes v as is.
func ValueArg(v uint64) Arg { return Arg{Value: v} }

// TextArg passes s by address.
func TextArg(s string) Arg { return Arg{Text: s, IsText: true} }

// Go calls name through the bridge on a new goroutine. Text arguments are
// staged in one scratch block that is freed once the returned future
// settles and is waited on. No other call may run on the instance until
// then.
func (i *Instance) Go(ctx context.Context, name string, args ...Arg) *bridge.Future[[]uint64] {
	var items []arena.Item
	for _, a := range args {
		if a.IsText {
			items = append(items, arena.CString(a.Text))
		}
	}
	return arena.BorrowAsync(i.arena, items, func(spans []arena.Span) *bridge.Future[[]uint64] {
		params := make([]uint64, len(args))
		next := 0
		for n, a := range args {
			if !a.IsText {
				params[n] = a.Value
				continue
			}
			params[n] = uint64(spans[next].Offset)
			next++
		}
		return bridge.Go(ctx, func(ctx context.Context) ([]uint64, error) {
			return i.bridge.Call(ctx, name, params...)
		})
	})
}

// Register registers v with the engine, as the default VFS when
// makeDefault is set, and returns its engine id.
func (i *Instance) Register(ctx context.Context, v vfs.VFS, makeDefault bool) (uint32, error) {
	return i.vfs.Register(ctx, v, vfs.Options{Default: makeDefault})
}

// RegisterWithOptions is Register with the full option set.
func (i *Instance) RegisterWithOptions(ctx context.Context, v vfs.VFS, opts vfs.Options) (uint32, error) {
	return i.vfs.Register(ctx, v, opts)
}

// Bind binds a Go value to parameter idx of a prepared statement.
func (i *Instance) Bind(ctx context.Context, stmt uint32, idx int32, arg any) error {
	v, err := value.FromGo(arg)
	if err != nil {
		return err
	}
	return i.binder.Bind(ctx, stmt, idx, v)
}

// Read reads the engine value at ptr.
func (i *Instance) Read(ctx context.Context, ptr uint32) (value.Value, error) {
	return i.reader.Read(ctx, ptr)
}

func (i *Instance) Binder() *value.Binder    { return i.binder }
func (i *Instance) Reader() *value.Reader    { return i.reader }
func (i *Instance) Handles() *resource.Table { return i.handles }
func (i *Instance) VFS() *vfs.Registry       { return i.vfs }
func (i *Instance) Arena() *arena.Arena      { return i.arena }
func (i *Instance) Bridge() *bridge.Bridge   { return i.bridge }
func (i *Instance) Memory() *engine.Memory   { return i.inst.Memory() }

// Exports lists the export names of the module.
func (i *Instance) Exports() []string {
	defs := i.inst.Module().ExportedFunctionDefinitions()
	out := make([]string, 0, len(defs))
	for name := range defs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Close closes the files the engine left open, drops every handle and
// closes the module.
func (i *Instance) Close(ctx context.Context) error {
	err := i.vfs.Close(ctx)
	i.handles.Clear()
	i.handles.Unsubscribe(i.gauge)
	if cerr := i.inst.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
