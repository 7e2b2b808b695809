package value

import (
	"fmt"
	"math"
	"math/big"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/resource"
)

// FromGo converts a Go value by its runtime type. Integral floats within
// the int64 range become integers; unsigned values above math.MaxInt64 and
// big integers outside int64 are overflow errors rather than floats.
func FromGo(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case *Value:
		if v == nil {
			return Null(), nil
		}
		return *v, nil
	case bool:
		if v {
			return Integer(1), nil
		}
		return Integer(0), nil
	case int:
		return Integer(int64(v)), nil
	case int8:
		return Integer(int64(v)), nil
	case int16:
		return Integer(int64(v)), nil
	case int32:
		return Integer(int64(v)), nil
	case int64:
		return Integer(v), nil
	case uint:
		return fromUint(uint64(v))
	case uint8:
		return Integer(int64(v)), nil
	case uint16:
		return Integer(int64(v)), nil
	case uint32:
		return Integer(int64(v)), nil
	case uint64:
		return fromUint(v)
	case float32:
		return fromFloat(float64(v)), nil
	case float64:
		return fromFloat(v), nil
	case *big.Int:
		if v == nil {
			return Null(), nil
		}
		if !v.IsInt64() {
			return Value{}, errors.Overflow(errors.PhaseMarshal, v.String(), "int64")
		}
		return Integer(v.Int64()), nil
	case string:
		return Text(v), nil
	case []byte:
		if v == nil {
			return Null(), nil
		}
		return Blob(v), nil
	case resource.Handle:
		return Handle(v), nil
	}
	return Value{}, errors.TypeMismatch(errors.PhaseMarshal, fmt.Sprintf("%T", x))
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, errors.Overflow(errors.PhaseMarshal, u, "int64")
	}
	return Integer(int64(u)), nil
}

// 2^63 as a float64; int64 holds [-2^63, 2^63).
const twoTo63 = float64(1 << 63)

// fromFloat keeps -0.0 a Real: an integer cannot carry the sign.
func fromFloat(f float64) Value {
	if f == 0 && math.Signbit(f) {
		return Real(f)
	}
	if f == math.Trunc(f) && f >= -twoTo63 && f < twoTo63 {
		return Integer(int64(f))
	}
	return Real(f)
}
