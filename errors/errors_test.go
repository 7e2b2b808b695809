package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseVFS,
				Kind:   KindBackend,
				Path:   []string{"vfs_io", "xRead"},
				Detail: "disk gone",
				Code:   266,
			},
			contains: []string{"[vfs]", "backend", "vfs_io.xRead", "disk gone", "code 266"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseArena,
				Kind:  KindOutOfMemory,
			},
			contains: []string{"[arena]", "out_of_memory"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseBridge,
				Kind:   KindCorruption,
				Detail: "nested call",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[bridge]", "protocol_corruption", "nested call", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseVFS,
		Kind:  KindBackend,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find cause through Unwrap")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseArena,
		Kind:  KindOutOfMemory,
	}

	if !err.Is(&Error{Phase: PhaseArena, Kind: KindOutOfMemory}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseBridge, Kind: KindOutOfMemory}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseArena, Kind: KindBusy}) {
		t.Error("Is should not match different kind")
	}
	if !errors.Is(err, ErrOutOfMemory) {
		t.Error("phase-less sentinel should match any phase")
	}
	if errors.Is(err, ErrCorruption) {
		t.Error("sentinel of another kind should not match")
	}
}

func TestIs_ThroughFmtWrap(t *testing.T) {
	// wazero wraps errors recovered from host panics with %w
	inner := Corruption(PhaseBridge, "import %s entered while unwinding", "xRead")
	wrapped := fmt.Errorf("%w (recovered by wazero)", inner)

	if !errors.Is(wrapped, ErrCorruption) {
		t.Error("errors.Is should see through fmt wrapping")
	}
	if !IsKind(wrapped, KindCorruption) {
		t.Error("IsKind should see through fmt wrapping")
	}
	if !IsFatal(wrapped) {
		t.Error("corruption should be fatal")
	}
}

func TestIsKind_Chain(t *testing.T) {
	err := Wrap(PhaseRuntime, KindInvalidData, OutOfMemory(PhaseArena, 16), "call failed")

	if !IsKind(err, KindInvalidData) {
		t.Error("outer kind not found")
	}
	if !IsKind(err, KindOutOfMemory) {
		t.Error("cause kind not found")
	}
	if IsKind(err, KindBusy) {
		t.Error("unexpected kind match")
	}
	if IsKind(nil, KindBusy) {
		t.Error("nil error should match nothing")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{OutOfMemory(PhaseArena, 8), true},
		{Corruption(PhaseBridge, "x"), true},
		{StaleHandle(PhaseMarshal, "handle", 3), true},
		{Busy("xLock"), false},
		{ShortRead(10, 4), false},
		{Backend("xWrite", 778, errors.New("io")), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.fatal {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.fatal)
		}
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseVFS, KindBackend).
		Path("vfs", "xOpen").
		Value(42).
		Code(14).
		Cause(cause).
		Detail("open %s failed", "main.db").
		Build()

	if err.Phase != PhaseVFS {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseVFS)
	}
	if err.Kind != KindBackend {
		t.Errorf("Kind = %v, want %v", err.Kind, KindBackend)
	}
	if len(err.Path) != 2 || err.Path[0] != "vfs" || err.Path[1] != "xOpen" {
		t.Errorf("Path = %v, want [vfs xOpen]", err.Path)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if err.Code != 14 {
		t.Errorf("Code = %v, want 14", err.Code)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "open main.db failed" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("OutOfMemory", func(t *testing.T) {
		err := OutOfMemory(PhaseArena, 1024)
		if err.Kind != KindOutOfMemory {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfMemory)
		}
		if !strings.Contains(err.Detail, "1024") {
			t.Errorf("Detail = %v, should contain size", err.Detail)
		}
	})

	t.Run("Backend", func(t *testing.T) {
		err := Backend("xSync", 1034, errors.New("fsync"))
		if err.Code != 1034 || err.Phase != PhaseVFS {
			t.Errorf("unexpected error %+v", err)
		}
	})

	t.Run("ShortRead", func(t *testing.T) {
		err := ShortRead(100, 40)
		if err.Kind != KindShortRead || err.Value != 40 {
			t.Errorf("unexpected error %+v", err)
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		err := Overflow(PhaseMarshal, uint64(1<<63), "int64")
		if err.Kind != KindOverflow {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOverflow)
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		err := TypeMismatch(PhaseMarshal, "chan int")
		if !strings.Contains(err.Error(), "chan int") {
			t.Errorf("message %q should name the type", err.Error())
		}
	})
}

func TestMissingImportsError(t *testing.T) {
	t.Run("grouped by module", func(t *testing.T) {
		err := NewMissingImportsError([]string{"vfs.xOpen", "env.log", "vfs.xRead"})
		if len(err.Imports) != 3 {
			t.Fatalf("expected 3 imports, got %d", len(err.Imports))
		}
		if err.Imports[0].Module != "vfs" || err.Imports[0].Name != "xOpen" {
			t.Errorf("first import = %+v", err.Imports[0])
		}
		msg := err.Error()
		for _, s := range []string{"missing 3", "vfs:", "env:", "xRead", "log"} {
			if !strings.Contains(msg, s) {
				t.Errorf("message %q should contain %q", msg, s)
			}
		}
	})

	t.Run("empty imports", func(t *testing.T) {
		err := NewMissingImportsError(nil)
		if !strings.Contains(err.Error(), "no imports specified") {
			t.Errorf("unexpected message %q", err.Error())
		}
	})

	t.Run("errors.Is", func(t *testing.T) {
		err := NewMissingImportsError([]string{"vfs.xOpen"})
		if !errors.Is(err, &MissingImportsError{}) {
			t.Error("errors.Is should match MissingImportsError")
		}
	})
}
