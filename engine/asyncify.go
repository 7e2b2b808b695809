package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
)

// AsyncifyState mirrors asyncify_get_state.
type AsyncifyState int32

const (
	StateNormal    AsyncifyState = 0
	StateUnwinding AsyncifyState = 1
	StateRewinding AsyncifyState = 2
)

func (s AsyncifyState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateUnwinding:
		return "unwinding"
	case StateRewinding:
		return "rewinding"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// AsyncifyDefaultStackSize is the unwind buffer size used when none is configured.
const AsyncifyDefaultStackSize uint32 = 1024

var asyncifyExports = []string{
	"asyncify_get_state",
	"asyncify_start_unwind",
	"asyncify_stop_unwind",
	"asyncify_start_rewind",
	"asyncify_stop_rewind",
}

// HasAsyncify reports whether mod carries all asyncify control exports.
func HasAsyncify(mod api.Module) bool {
	for _, name := range asyncifyExports {
		if mod.ExportedFunction(name) == nil {
			return false
		}
	}
	return true
}

// Asyncify implements the Binaryen asyncify protocol (wasm-opt --asyncify).
//
// States: 0=Normal, 1=Unwinding (saving stack), 2=Rewinding (restoring stack)
//
// Memory layout at dataAddr:
//   - [0:4] current pointer (grows upward from dataAddr+8)
//   - [4:8] end of buffer
//   - [8:8+stackSize] saved frames
type Asyncify struct {
	exports struct {
		getState    api.Function
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
	memory    api.Memory
	stack     []uint64
	dataAddr  uint32
	stackSize uint32
}

// NewAsyncify binds the protocol exports of mod to a data buffer of
// 8+stackSize bytes at dataAddr, which the caller has reserved.
func NewAsyncify(mod api.Module, dataAddr, stackSize uint32) (*Asyncify, error) {
	a := &Asyncify{
		memory:    mod.Memory(),
		stack:     make([]uint64, 1),
		dataAddr:  dataAddr,
		stackSize: stackSize,
	}
	if a.memory == nil {
		return nil, errors.NotFound(errors.PhaseBridge, "export", "memory")
	}
	if !HasAsyncify(mod) {
		return nil, errors.Unsupported(errors.PhaseBridge, "module without asyncify exports (run wasm-opt --asyncify)")
	}

	a.exports.getState = mod.ExportedFunction("asyncify_get_state")
	a.exports.startUnwind = mod.ExportedFunction("asyncify_start_unwind")
	a.exports.stopUnwind = mod.ExportedFunction("asyncify_stop_unwind")
	a.exports.startRewind = mod.ExportedFunction("asyncify_start_rewind")
	a.exports.stopRewind = mod.ExportedFunction("asyncify_stop_rewind")

	if err := a.ResetStack(); err != nil {
		return nil, err
	}
	return a, nil
}

// DataAddr returns the address of the data buffer header.
func (a *Asyncify) DataAddr() uint32 { return a.dataAddr }

// StackSize returns the usable size of the data buffer.
func (a *Asyncify) StackSize() uint32 { return a.stackSize }

// State reads the current state from the module.
func (a *Asyncify) State(ctx context.Context) (AsyncifyState, error) {
	if err := a.exports.getState.CallWithStack(ctx, a.stack[:1]); err != nil {
		return StateNormal, err
	}
	return AsyncifyState(int32(uint32(a.stack[0]))), nil
}

func (a *Asyncify) StartUnwind(ctx context.Context) error {
	a.stack[0] = uint64(a.dataAddr)
	return a.exports.startUnwind.CallWithStack(ctx, a.stack[:1])
}

func (a *Asyncify) StopUnwind(ctx context.Context) error {
	return a.exports.stopUnwind.CallWithStack(ctx, a.stack[:1])
}

func (a *Asyncify) StartRewind(ctx context.Context) error {
	a.stack[0] = uint64(a.dataAddr)
	return a.exports.startRewind.CallWithStack(ctx, a.stack[:1])
}

func (a *Asyncify) StopRewind(ctx context.Context) error {
	return a.exports.stopRewind.CallWithStack(ctx, a.stack[:1])
}

// ResetStack rewrites the buffer header. Call before each unwind.
func (a *Asyncify) ResetStack() error {
	stackPtr := a.dataAddr + 8
	stackEnd := stackPtr + a.stackSize
	if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) || !a.memory.WriteUint32Le(a.dataAddr+4, stackEnd) {
		Logger().Warn("asyncify: failed to write data buffer header",
			zap.Uint32("dataAddr", a.dataAddr),
			zap.Uint32("stackPtr", stackPtr))
		return errors.OutOfBounds(errors.PhaseBridge, a.dataAddr, 8)
	}
	return nil
}
