package value

import (
	"bytes"
	"context"

	"github.com/tetratelabs/wazero/api"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/resource"
)

// Reader converts engine values (sqlite3_value pointers) to Values.
type Reader struct {
	caller  wasmvfs.Caller
	mem     wasmvfs.Memory
	handles *resource.Table
}

// NewReader creates a reader.
func NewReader(caller wasmvfs.Caller, mem wasmvfs.Memory, handles *resource.Table) *Reader {
	return &Reader{caller: caller, mem: mem, handles: handles}
}

// Read converts the engine value at ptr. A value carrying a handle reads
// as a Handle only while the handle is live.
func (r *Reader) Read(ctx context.Context, ptr uint32) (Value, error) {
	p := uint64(ptr)
	typ, err := r.i32(ctx, "sqlite3_value_type", p)
	if err != nil {
		return Value{}, err
	}

	switch typ {
	case TypeInteger:
		res, err := r.call(ctx, "sqlite3_value_int64", p)
		if err != nil {
			return Value{}, err
		}
		return Integer(int64(res)), nil

	case TypeFloat:
		res, err := r.call(ctx, "sqlite3_value_double", p)
		if err != nil {
			return Value{}, err
		}
		return Real(api.DecodeF64(res)), nil

	case TypeText:
		b, err := r.payload(ctx, "sqlite3_value_text", p)
		if err != nil {
			return Value{}, err
		}
		return TextBytes(b), nil

	case TypeBlob:
		b, err := r.payload(ctx, "sqlite3_value_blob", p)
		if err != nil {
			return Value{}, err
		}
		return Blob(b), nil

	case TypeNull:
		h, err := r.i32(ctx, "value_handle", p)
		if err != nil {
			return Value{}, err
		}
		if h == 0 {
			return Null(), nil
		}
		if _, err := r.handles.Lookup(resource.Handle(uint32(h))); err != nil {
			return Value{}, err
		}
		return Handle(resource.Handle(uint32(h))), nil
	}
	return Value{}, errors.New(errors.PhaseMarshal, errors.KindInvalidData).
		Detail("unknown value type %d", typ).
		Value(typ).
		Build()
}

// payload reads text or blob bytes. The data pointer is fetched before the
// length, as the engine may convert the value on the first call.
func (r *Reader) payload(ctx context.Context, fn string, p uint64) ([]byte, error) {
	data, err := r.i32(ctx, fn, p)
	if err != nil {
		return nil, err
	}
	n, err := r.i32(ctx, "sqlite3_value_bytes", p)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New(errors.PhaseMarshal, errors.KindInvalidData).
			Detail("negative length %d", n).
			Build()
	}
	if n == 0 || data == 0 {
		return []byte{}, nil
	}
	raw, err := r.mem.Read(uint32(data), uint32(n))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMarshal, errors.KindOutOfBounds, err, fn)
	}
	return bytes.Clone(raw), nil
}

func (r *Reader) call(ctx context.Context, fn string, params ...uint64) (uint64, error) {
	res, err := r.caller.Call(ctx, fn, params...)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidData, err, fn)
	}
	if len(res) == 0 {
		return 0, errors.New(errors.PhaseMarshal, errors.KindInvalidData).
			Detail("%s returned no result", fn).
			Build()
	}
	return res[0], nil
}

func (r *Reader) i32(ctx context.Context, fn string, params ...uint64) (int32, error) {
	res, err := r.call(ctx, fn, params...)
	return int32(uint32(res)), err
}
