package value

import (
	"context"
	"math"
	"strconv"

	"github.com/tetratelabs/wazero/api"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/resource"
)

// Engine result codes checked by the binder.
const (
	resultOK    = 0
	resultNoMem = 7
)

// transient tells the engine to copy text and blob arguments before the
// bind call returns (SQLITE_TRANSIENT).
const transient = uint64(math.MaxUint32)

// Binder binds values to statement parameters through the engine's
// sqlite3_bind_* exports.
type Binder struct {
	caller  wasmvfs.Caller
	arena   *arena.Arena
	handles *resource.Table
}

// NewBinder creates a binder. Text and blob payloads are staged in scratch
// memory from a and freed as soon as the engine has copied them.
func NewBinder(caller wasmvfs.Caller, a *arena.Arena, handles *resource.Table) *Binder {
	return &Binder{caller: caller, arena: a, handles: handles}
}

// Bind binds v to parameter idx (1-based) of stmt.
func (b *Binder) Bind(ctx context.Context, stmt uint32, idx int32, v Value) error {
	s, i := uint64(stmt), uint64(uint32(idx))

	switch v.kind {
	case KindNull:
		return b.call(ctx, "sqlite3_bind_null", s, i)
	case KindInteger:
		return b.call(ctx, "sqlite3_bind_int64", s, i, uint64(v.i))
	case KindReal:
		return b.call(ctx, "sqlite3_bind_double", s, i, api.EncodeF64(v.f))
	case KindZeroBlob:
		if v.i < 0 || v.i > math.MaxInt32 {
			return errors.Overflow(errors.PhaseMarshal, v.i, "int32")
		}
		return b.call(ctx, "sqlite3_bind_zeroblob", s, i, uint64(v.i))
	case KindHandle:
		if _, err := b.handles.Lookup(v.Handle()); err != nil {
			return err
		}
		return b.call(ctx, "bind_handle", s, i, uint64(uint32(v.i)))
	case KindText:
		// The terminator keeps the pointer non-NULL for empty text.
		return b.bindBytes(ctx, "sqlite3_bind_text", s, i, v.b, true)
	case KindBlob:
		if len(v.b) == 0 {
			// a NULL data pointer would bind NULL instead of an empty blob
			return b.call(ctx, "sqlite3_bind_zeroblob", s, i, 0)
		}
		return b.bindBytes(ctx, "sqlite3_bind_blob", s, i, v.b, false)
	}
	return errors.InvalidInput(errors.PhaseMarshal, "cannot bind "+v.kind.String())
}

// BindAll binds args to parameters 1..len(args), converting each with FromGo.
func (b *Binder) BindAll(ctx context.Context, stmt uint32, args ...any) error {
	for n, arg := range args {
		v, err := FromGo(arg)
		if err != nil {
			return errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
				Path("arg", strconv.Itoa(n+1)).
				Cause(err).
				Detail("convert argument").
				Build()
		}
		if err := b.Bind(ctx, stmt, int32(n+1), v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Binder) bindBytes(ctx context.Context, fn string, stmt, idx uint64, data []byte, terminate bool) error {
	if len(data) > math.MaxInt32 {
		return errors.Overflow(errors.PhaseMarshal, len(data), "int32")
	}
	item := arena.Item{Data: data, Terminate: terminate}
	return b.arena.Do([]arena.Item{item}, func(spans []arena.Span) error {
		return b.call(ctx, fn, stmt, idx, uint64(spans[0].Offset), uint64(len(data)), transient)
	})
}

func (b *Binder) call(ctx context.Context, fn string, params ...uint64) error {
	res, err := b.caller.Call(ctx, fn, params...)
	if err != nil {
		return errors.Wrap(errors.PhaseMarshal, errors.KindInvalidData, err, fn)
	}
	if len(res) == 0 {
		return nil
	}
	rc := int32(uint32(res[0]))
	switch rc {
	case resultOK:
		return nil
	case resultNoMem:
		return errors.New(errors.PhaseMarshal, errors.KindOutOfMemory).
			Detail("%s: engine out of memory", fn).
			Code(rc).
			Build()
	}
	return errors.New(errors.PhaseMarshal, errors.KindInvalidInput).
		Detail("%s returned %d", fn, rc).
		Code(rc).
		Build()
}
