package vfs

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/arena"
)

// Param is one query parameter of a URI filename.
type Param struct {
	Key   string
	Value string
}

// Filename is the name passed to VFS.Open, with any URI query parameters
// the engine parsed out of it.
type Filename struct {
	path   string
	params []Param
	temp   bool
}

// NewFilename creates a filename.
func NewFilename(path string, params ...Param) *Filename {
	return &Filename{path: path, params: params}
}

// TempFilename creates a unique name for an anonymous temporary file.
func TempFilename() *Filename {
	return &Filename{path: "temp-" + uuid.NewString() + ".tmp", temp: true}
}

// String returns the path.
func (f *Filename) String() string {
	return f.path
}

// Temp reports whether the engine passed no name and one was generated.
func (f *Filename) Temp() bool {
	return f.temp
}

// Params returns every parameter in the order given.
func (f *Filename) Params() []Param {
	return f.params
}

// Lookup returns the first value of key.
func (f *Filename) Lookup(key string) (string, bool) {
	for _, p := range f.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Param returns the value of key, or def when absent.
func (f *Filename) Param(key, def string) string {
	if v, ok := f.Lookup(key); ok {
		return v
	}
	return def
}

// Bool returns key as a boolean. Numbers are true when non-zero; yes/on/true
// and no/off/false are recognized in any case. Anything else gives def.
func (f *Filename) Bool(key string, def bool) bool {
	v, ok := f.Lookup(key)
	if !ok {
		return def
	}
	if v != "" && v[0] >= '0' && v[0] <= '9' {
		n, _ := strconv.Atoi(leadingDigits(v))
		return n != 0
	}
	switch strings.ToLower(v) {
	case "yes", "on", "true":
		return true
	case "no", "off", "false":
		return false
	}
	return def
}

// Int returns key as a decimal or 0x-prefixed hexadecimal integer, or def
// when absent or malformed.
func (f *Filename) Int(key string, def int64) int64 {
	v, ok := f.Lookup(key)
	if !ok {
		return def
	}
	if len(v) > 2 && v[0] == '0' && (v[1] == 'x' || v[1] == 'X') {
		u, err := strconv.ParseUint(v[2:], 16, 64)
		if err != nil {
			return def
		}
		return int64(u)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// readFilename decodes an xOpen filename. Main database names are followed
// in memory by key/value pairs ending with an empty key.
func readFilename(mem wasmvfs.Memory, ptr uint32, flags OpenFlag) (*Filename, error) {
	if ptr == 0 {
		return TempFilename(), nil
	}
	path, err := arena.ReadCString(mem, ptr)
	if err != nil {
		return nil, err
	}
	f := &Filename{path: path}
	if flags&OpenMainDB == 0 {
		return f, nil
	}

	p := ptr + uint32(len(path)) + 1
	for {
		key, err := arena.ReadCString(mem, p)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return f, nil
		}
		p += uint32(len(key)) + 1
		val, err := arena.ReadCString(mem, p)
		if err != nil {
			return nil, err
		}
		p += uint32(len(val)) + 1
		f.params = append(f.params, Param{Key: key, Value: val})
	}
}
