package bridge

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/metrics"
)

// Strategy selects how a suspended call is resumed.
type Strategy int

const (
	// StrategyAuto uses StrategyStackSwitch when the module carries the
	// asyncify exports and StrategyReplay otherwise. Wrap fails when the
	// module supports neither.
	StrategyAuto Strategy = iota
	// StrategyReplay re-invokes the export from the start and answers every
	// import that already completed from a memo log. It needs a mutable
	// __stack_pointer export and no native WASI imports.
	StrategyReplay
	// StrategyStackSwitch unwinds and rewinds the module stack through the
	// binaryen asyncify exports.
	StrategyStackSwitch
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyReplay:
		return "replay"
	case StrategyStackSwitch:
		return "stack-switch"
	}
	return "unknown"
}

// ParseStrategy parses auto, replay or stack-switch.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case "replay":
		return StrategyReplay, nil
	case "stack-switch", "stackswitch", "asyncify":
		return StrategyStackSwitch, nil
	}
	return StrategyAuto, errors.InvalidInput(errors.PhaseBridge, "unknown strategy "+s)
}

// DefaultScratchCapacity bounds the results remembered for one top-level call.
const DefaultScratchCapacity = 1 << 16

// Config configures a Bridge.
type Config struct {
	Observer metrics.Observer

	Strategy Strategy

	// StackSize is the asyncify unwind buffer size. 0 means
	// engine.AsyncifyDefaultStackSize.
	StackSize uint32

	// ScratchCapacity is the maximum number of import results remembered
	// during one top-level call. Running out is fatal. 0 means
	// DefaultScratchCapacity.
	ScratchCapacity int
}

// Stats counts bridge activity since Wrap.
type Stats struct {
	Calls    uint64
	Suspends uint64
	Replays  uint64
	MemoHits uint64
}

// SuspendFrame describes the pending operation of a suspended call.
type SuspendFrame struct {
	pending pending

	// Import is the import that suspended.
	Import string
	// Index is the call-site index of that import within the top-level call.
	Index int
	// DataAddr is the asyncify data buffer, 0 for replay.
	DataAddr uint32
}

type memoEntry struct {
	name   string
	stack  []uint64
	writes []memWrite
}

type settled struct {
	val any
	err error
}

var (
	// errUnwind aborts the module when a replayed call suspends.
	errUnwind = stderrors.New("bridge: unwind")
	// errSuspend returns control to the module after asyncify_start_unwind.
	errSuspend = stderrors.New("bridge: suspend")
)

// Bridge runs the exports of one engine instance so that its imports can
// wait on futures. Only one top-level call runs at a time.
type Bridge struct {
	inst     *engine.Instance
	asyncify *engine.Asyncify
	sp       api.MutableGlobal
	mem      api.Memory
	obs      metrics.Observer
	strategy Strategy
	scratch  int

	mu       sync.Mutex
	inFlight bool
	broken   error

	// State of the call in flight. Only the goroutine running it touches these.
	memo        []memoEntry
	cursor      int
	inner       []settled
	innerCursor int
	current     string
	frame       *SuspendFrame
	fatal       error
	spValue     uint64
	image       []byte
	recording   bool
	writes      []memWrite

	calls    atomic.Uint64
	suspends atomic.Uint64
	replays  atomic.Uint64
	memoHits atomic.Uint64
}

// Wrap attaches a bridge to inst. The stack-switch strategy reserves its
// unwind buffer through the module's malloc.
func Wrap(ctx context.Context, inst *engine.Instance, cfg Config) (*Bridge, error) {
	mod := inst.Module()
	if mod == nil {
		return nil, errors.NotInitialized(errors.PhaseBridge, "instance")
	}

	b := &Bridge{
		inst:     inst,
		obs:      metrics.OrNop(cfg.Observer),
		scratch:  cfg.ScratchCapacity,
		strategy: cfg.Strategy,
	}
	if b.scratch <= 0 {
		b.scratch = DefaultScratchCapacity
	}

	hasAsyncify := engine.HasAsyncify(mod)
	switch cfg.Strategy {
	case StrategyAuto:
		b.strategy = StrategyReplay
		if hasAsyncify {
			b.strategy = StrategyStackSwitch
		}
	case StrategyStackSwitch:
		if !hasAsyncify {
			return nil, errors.Unsupported(errors.PhaseBridge, "stack-switch strategy on a module without asyncify exports")
		}
	case StrategyReplay:
	default:
		return nil, errors.InvalidInput(errors.PhaseBridge, "unknown strategy")
	}

	if b.strategy == StrategyStackSwitch {
		stackSize := cfg.StackSize
		if stackSize == 0 {
			stackSize = engine.AsyncifyDefaultStackSize
		}
		ptr, err := inst.Allocator().Alloc(8+stackSize, 4)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseBridge, errors.KindOutOfMemory, err, "reserve unwind buffer")
		}
		if ptr == 0 {
			return nil, errors.OutOfMemory(errors.PhaseBridge, 8+stackSize)
		}
		a, err := engine.NewAsyncify(mod, ptr, stackSize)
		if err != nil {
			inst.Allocator().Free(ptr, 8+stackSize, 4)
			return nil, errors.Wrap(errors.PhaseBridge, errors.KindUnsupported, err, "bind asyncify exports")
		}
		b.asyncify = a
	} else {
		if err := replayable(inst); err != nil {
			return nil, err
		}
		b.mem = mod.Memory()
		b.sp = mod.ExportedGlobal(stackPointerGlobal).(api.MutableGlobal)
	}

	Logger().Debug("bridge attached",
		zap.Stringer("strategy", b.strategy),
		zap.Int("scratch", b.scratch))
	return b, nil
}

const stackPointerGlobal = "__stack_pointer"

// replayable reports why inst cannot be re-run from the start. Replay
// rewinds the shadow stack through the exported __stack_pointer, and
// memoizes only imports that go through Import: wazero's WASI functions
// would run again on every pass.
func replayable(inst *engine.Instance) error {
	mod := inst.Module()
	if mod.Memory() == nil {
		return errors.Unsupported(errors.PhaseBridge, "replay strategy on a module without linear memory")
	}
	if _, ok := mod.ExportedGlobal(stackPointerGlobal).(api.MutableGlobal); !ok {
		return errors.Unsupported(errors.PhaseBridge, "replay strategy on a module without a mutable "+stackPointerGlobal+" export")
	}
	if inst.WASI() {
		return errors.Unsupported(errors.PhaseBridge, "replay strategy on a module importing wasi_snapshot_preview1")
	}
	return nil
}

// Strategy returns the strategy in use, never StrategyAuto.
func (b *Bridge) Strategy() Strategy {
	return b.strategy
}

// Instance returns the wrapped instance.
func (b *Bridge) Instance() *engine.Instance {
	return b.inst
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Calls:    b.calls.Load(),
		Suspends: b.suspends.Load(),
		Replays:  b.replays.Load(),
		MemoHits: b.memoHits.Load(),
	}
}

// Err returns the fatal error that broke the bridge, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

// Export returns the wrapped export name.
func (b *Bridge) Export(name string) (*Export, error) {
	fn := b.inst.Function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseBridge, "export", name)
	}
	return &Export{b: b, fn: fn, name: name}, nil
}

// Call invokes the export name through the bridge.
func (b *Bridge) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	e, err := b.Export(name)
	if err != nil {
		return nil, err
	}
	return e.Call(ctx, params...)
}

// Export is an engine export whose imports may suspend.
type Export struct {
	b    *Bridge
	fn   api.Function
	name string
}

// Name returns the export name.
func (e *Export) Name() string {
	return e.name
}

// Call runs the export to completion, waiting for and replaying through
// every suspension. The context is checked before the call starts only: a
// started call always runs to completion.
func (e *Export) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := e.b
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	defer b.leave()
	b.calls.Add(1)

	ctx = withBridge(ctx, b)
	if b.strategy == StrategyReplay {
		b.snapshot()
		b.spValue = b.sp.Get()
	}
	for {
		results, callErr := e.fn.Call(ctx, params...)
		if b.fatal != nil {
			return nil, b.fatal
		}
		frame := b.frame
		if frame == nil {
			if callErr != nil {
				return nil, callErr
			}
			return results, nil
		}

		if err := b.unwound(ctx, callErr); err != nil {
			b.fatal = err
			return nil, err
		}
		b.suspends.Add(1)
		b.obs.Suspended(frame.Import)
		Logger().Debug("call suspended",
			zap.String("export", e.name),
			zap.String("import", frame.Import),
			zap.Int("index", frame.Index))

		v, err := frame.pending.wait()
		b.inner = append(b.inner, settled{val: v, err: err})
		b.frame = nil

		if err := b.resume(ctx); err != nil {
			b.fatal = err
			return nil, err
		}
		b.replays.Add(1)
		b.obs.Replayed()
	}
}

func (b *Bridge) enter(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken != nil {
		return b.broken
	}
	if b.inFlight {
		err := errors.Corruption(errors.PhaseBridge, "export called while another call is in flight")
		if FromContext(ctx) == b {
			// Re-entered from one of our own imports; the outer call cannot
			// complete consistently either.
			b.fatal = err
		}
		return err
	}
	b.inFlight = true
	b.memo = b.memo[:0]
	b.cursor = 0
	b.inner = b.inner[:0]
	b.innerCursor = 0
	b.frame = nil
	b.fatal = nil
	b.writes = nil
	b.recording = false
	return nil
}

func (b *Bridge) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fatal != nil {
		b.broken = b.fatal
		Logger().Error("bridge broken", zap.Error(b.fatal))
	}
	b.inFlight = false
	b.frame = nil
	if cap(b.memo) > 1024 {
		b.memo = nil
	}
	clear(b.inner)
}

// unwound checks how the module came back from a suspending pass.
func (b *Bridge) unwound(ctx context.Context, callErr error) error {
	if b.strategy == StrategyStackSwitch {
		if callErr != nil {
			return errors.New(errors.PhaseBridge, errors.KindOutOfMemory).
				Detail("trap while unwinding into a %d byte buffer", b.asyncify.StackSize()).
				Cause(callErr).
				Build()
		}
		state, err := b.asyncify.State(ctx)
		if err != nil {
			return errors.Wrap(errors.PhaseBridge, errors.KindCorruption, err, "read asyncify state")
		}
		if state != engine.StateUnwinding {
			return errors.Corruption(errors.PhaseBridge, "module returned in state %s while a frame is pending", state)
		}
		if err := b.asyncify.StopUnwind(ctx); err != nil {
			return errors.Wrap(errors.PhaseBridge, errors.KindCorruption, err, "stop unwind")
		}
		return nil
	}

	if !stderrors.Is(callErr, errUnwind) {
		return errors.New(errors.PhaseBridge, errors.KindCorruption).
			Detail("suspended pass did not unwind").
			Cause(callErr).
			Build()
	}
	return nil
}

// resume prepares the next pass.
func (b *Bridge) resume(ctx context.Context) error {
	if b.strategy == StrategyStackSwitch {
		if err := b.asyncify.StartRewind(ctx); err != nil {
			return errors.Wrap(errors.PhaseBridge, errors.KindCorruption, err, "start rewind")
		}
		return nil
	}
	b.restore()
	b.sp.Set(b.spValue)
	b.cursor = 0
	return nil
}

// abort records a fatal error and stops the module.
func (b *Bridge) abort(err error) {
	b.fatal = err
	panic(err)
}

// Fatal stops the module with err and, when ctx carries a bridge, breaks
// that bridge so every later call fails with err. Host functions call it
// when they detect state they cannot recover from. It does not return.
func Fatal(ctx context.Context, err error) {
	if b := FromContext(ctx); b != nil {
		b.abort(err)
	}
	panic(err)
}

func (b *Bridge) scratchFull() bool {
	return len(b.memo)+len(b.inner) >= b.scratch
}

func (b *Bridge) outOfScratch() error {
	return errors.New(errors.PhaseBridge, errors.KindOutOfMemory).
		Detail("scratch capacity of %d results exhausted", b.scratch).
		Build()
}

type ctxKey struct{}

func withBridge(ctx context.Context, b *Bridge) context.Context {
	return context.WithValue(ctx, ctxKey{}, b)
}

// FromContext returns the bridge running the current call, or nil.
func FromContext(ctx context.Context) *Bridge {
	b, _ := ctx.Value(ctxKey{}).(*Bridge)
	return b
}

// WithoutBridge hides the running bridge from ctx, so that Await blocks
// instead of suspending.
func WithoutBridge(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, (*Bridge)(nil))
}
