package bridge

import (
	"context"
	"slices"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
)

// HostFunc is the body of an import. It may call Await any number of times.
//
// When the call suspends, the body runs again from the top once the awaited
// future settles, and every Await it already passed returns the remembered
// value. Side effects belong in the start functions passed to Await, or
// after the last Await.
type HostFunc func(ctx context.Context, mod api.Module, stack []uint64)

// Import wraps fn as a wazero host function. name identifies the import in
// replay logs and metrics, conventionally "module.field". Outside a bridge
// call fn runs directly and Await blocks.
func Import(name string, fn HostFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		b := FromContext(ctx)
		if b == nil {
			fn(ctx, mod, stack)
			return
		}
		if b.frame != nil {
			b.abort(errors.Corruption(errors.PhaseBridge, "import %s called while unwinding", name))
		}
		if b.strategy == StrategyStackSwitch {
			b.serveStackSwitch(ctx, name, fn, mod, stack)
			return
		}
		b.serveReplay(ctx, name, fn, mod, stack)
	}
}

func (b *Bridge) serveReplay(ctx context.Context, name string, fn HostFunc, mod api.Module, stack []uint64) {
	if b.cursor < len(b.memo) {
		m := b.memo[b.cursor]
		if m.name != name {
			b.abort(errors.Corruption(errors.PhaseBridge,
				"replay diverged at import %d: called %s, recorded %s", b.cursor, name, m.name))
		}
		copy(stack, m.stack)
		b.replayWrites(m.writes)
		b.cursor++
		b.memoHits.Add(1)
		return
	}

	if b.scratchFull() {
		b.abort(b.outOfScratch())
	}
	b.innerCursor = 0
	b.current = name
	b.writes = nil
	b.recording = true
	fn(ctx, mod, stack)
	b.recording = false

	b.memo = append(b.memo, memoEntry{name: name, stack: slices.Clone(stack), writes: b.writes})
	b.writes = nil
	b.inner = b.inner[:0]
	b.cursor++
}

func (b *Bridge) serveStackSwitch(ctx context.Context, name string, fn HostFunc, mod api.Module, stack []uint64) {
	state, err := b.asyncify.State(ctx)
	if err != nil {
		b.abort(errors.Wrap(errors.PhaseBridge, errors.KindCorruption, err, "read asyncify state"))
	}
	switch state {
	case engine.StateUnwinding:
		b.abort(errors.Corruption(errors.PhaseBridge, "import %s called while unwinding", name))
	case engine.StateRewinding:
		if name != b.current {
			b.abort(errors.Corruption(errors.PhaseBridge,
				"rewind reached %s, suspended in %s", name, b.current))
		}
		if err := b.asyncify.StopRewind(ctx); err != nil {
			b.abort(errors.Wrap(errors.PhaseBridge, errors.KindCorruption, err, "stop rewind"))
		}
	default:
		b.cursor++
	}

	b.innerCursor = 0
	b.current = name
	if runSuspendable(func() { fn(ctx, mod, stack) }) {
		return
	}
	b.inner = b.inner[:0]
}

// runSuspendable runs fn and reports whether it stopped in Await to let the
// module unwind.
func runSuspendable(fn func()) (suspended bool) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && err == errSuspend {
				suspended = true
				return
			}
			panic(r)
		}
	}()
	fn()
	return false
}

// Await returns the result of the future created by start. Inside a bridge
// call, a future that is not ready yet suspends the whole top-level call,
// and start runs exactly once per logical import call however many times the
// body is re-entered. Outside a bridge call Await blocks.
//
// start receives a context without the bridge, so it may block or call
// Await on other instances freely.
func Await[T any](ctx context.Context, start func(ctx context.Context) *Future[T]) (T, error) {
	b := FromContext(ctx)
	if b == nil {
		return start(ctx).Wait()
	}

	if b.innerCursor < len(b.inner) {
		s := b.inner[b.innerCursor]
		b.innerCursor++
		v, _ := s.val.(T)
		return v, s.err
	}
	if b.scratchFull() {
		b.abort(b.outOfScratch())
	}

	f := start(WithoutBridge(ctx))
	if f.Ready() {
		v, err := f.Wait()
		b.inner = append(b.inner, settled{val: v, err: err})
		b.innerCursor++
		return v, err
	}

	frame := &SuspendFrame{Import: b.current, Index: b.cursor, pending: f}
	b.frame = frame
	if b.strategy == StrategyStackSwitch {
		frame.Index = b.cursor - 1
		frame.DataAddr = b.asyncify.DataAddr()
		if err := b.asyncify.ResetStack(); err != nil {
			b.abort(errors.Wrap(errors.PhaseBridge, errors.KindOutOfMemory, err, "reset unwind buffer"))
		}
		if err := b.asyncify.StartUnwind(ctx); err != nil {
			b.abort(errors.Wrap(errors.PhaseBridge, errors.KindCorruption, err, "start unwind"))
		}
		panic(errSuspend)
	}
	panic(errUnwind)
}
