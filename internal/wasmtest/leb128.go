package wasmtest

import "bytes"

// writeU32 writes an unsigned LEB128 value
func writeU32(w *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// writeS64 writes a signed LEB128 value. i32 immediates use the same
// encoding after sign extension.
func writeS64(w *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.WriteByte(b)
	}
}

func u32(v uint32) []byte {
	var buf bytes.Buffer
	writeU32(&buf, v)
	return buf.Bytes()
}

func s64(v int64) []byte {
	var buf bytes.Buffer
	writeS64(&buf, v)
	return buf.Bytes()
}
