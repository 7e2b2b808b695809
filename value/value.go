package value

import (
	"bytes"
	"fmt"
	"math"

	"github.com/wippyai/wasm-vfs/resource"
)

// Kind is the runtime kind of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
	KindHandle
	KindZeroBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindHandle:
		return "handle"
	case KindZeroBlob:
		return "zeroblob"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Engine fundamental datatype codes, as returned by sqlite3_value_type.
const (
	TypeInteger int32 = 1
	TypeFloat   int32 = 2
	TypeText    int32 = 3
	TypeBlob    int32 = 4
	TypeNull    int32 = 5
)

// Value is a tagged value crossing the engine boundary. The zero Value is
// Null.
type Value struct {
	b    []byte
	i    int64
	f    float64
	kind Kind
}

// Null returns the null value.
func Null() Value { return Value{} }

// Integer returns a 64-bit integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Real returns a floating point value.
func Real(f float64) Value { return Value{kind: KindReal, f: f} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, b: []byte(s)} }

// TextBytes returns a text value holding b.
func TextBytes(b []byte) Value { return Value{kind: KindText, b: b} }

// Blob returns a blob value holding b. A nil b is an empty blob, not null.
func Blob(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBlob, b: b}
}

// Handle returns a value carrying a handle table entry.
func Handle(h resource.Handle) Value { return Value{kind: KindHandle, i: int64(h)} }

// ZeroBlob returns a blob of n zero bytes that is reserved by the engine
// instead of being copied in.
func ZeroBlob(n int64) Value { return Value{kind: KindZeroBlob, i: n} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64 returns the integer of an Integer value.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the float of a Real value.
func (v Value) Float64() float64 { return v.f }

// Bytes returns the payload of a Text or Blob value. A ZeroBlob expands to
// its zero bytes.
func (v Value) Bytes() []byte {
	if v.kind == KindZeroBlob {
		return make([]byte, v.i)
	}
	return v.b
}

// String returns the payload of a Text value, or a description otherwise.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return string(v.b)
	case KindNull:
		return "NULL"
	case KindInteger:
		return fmt.Sprint(v.i)
	case KindReal:
		return fmt.Sprint(v.f)
	case KindBlob:
		return fmt.Sprintf("blob(%d)", len(v.b))
	case KindHandle:
		return fmt.Sprintf("handle(%d)", v.i)
	case KindZeroBlob:
		return fmt.Sprintf("zeroblob(%d)", v.i)
	}
	return v.kind.String()
}

// Handle returns the handle of a Handle value.
func (v Value) Handle() resource.Handle { return resource.Handle(v.i) }

// Len returns the byte length of Text, Blob and ZeroBlob values.
func (v Value) Len() int64 {
	if v.kind == KindZeroBlob {
		return v.i
	}
	return int64(len(v.b))
}

// Natural returns the Go form of v: nil, int64, float64, string, []byte or
// resource.Handle.
func (v Value) Natural() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return string(v.b)
	case KindBlob, KindZeroBlob:
		return v.Bytes()
	case KindHandle:
		return resource.Handle(v.i)
	}
	return nil
}

// Equal reports whether a and b hold the same value. A ZeroBlob equals a
// Blob of as many zero bytes, and NaN equals NaN.
func Equal(a, b Value) bool {
	if a.kind == KindZeroBlob || b.kind == KindZeroBlob {
		if !isBlobLike(a) || !isBlobLike(b) || a.Len() != b.Len() {
			return false
		}
		return bytes.Equal(a.Bytes(), b.Bytes())
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindInteger, KindHandle:
		return a.i == b.i
	case KindReal:
		return a.f == b.f || (math.IsNaN(a.f) && math.IsNaN(b.f))
	case KindText, KindBlob:
		return bytes.Equal(a.b, b.b)
	}
	return false
}

func isBlobLike(v Value) bool {
	return v.kind == KindBlob || v.kind == KindZeroBlob
}
