package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which layer produced the error
type Phase string

const (
	PhaseLoad    Phase = "load"    // module compile and instantiate
	PhaseBridge  Phase = "bridge"  // suspend/resume protocol
	PhaseArena   Phase = "arena"   // linear memory scratch allocation
	PhaseMarshal Phase = "marshal" // tagged value conversion
	PhaseVFS     Phase = "vfs"     // storage dispatch and backends
	PhaseHost    Phase = "host"    // host module registration
	PhaseConfig  Phase = "config"  // configuration loading
	PhaseWorker  Phase = "worker"  // worker ping-pong channel
	PhaseRuntime Phase = "runtime" // export calls
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfMemory    Kind = "out_of_memory"
	KindCorruption     Kind = "protocol_corruption"
	KindBackend        Kind = "backend"
	KindBusy           Kind = "busy"
	KindShortRead      Kind = "short_read"
	KindStaleHandle    Kind = "stale_handle"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindOverflow       Kind = "overflow"
	KindUnsupported    Kind = "unsupported"
	KindTypeMismatch   Kind = "type_mismatch"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindInvalidInput   Kind = "invalid_input"
	KindInvalidData    Kind = "invalid_data"
	KindRegistration   Kind = "registration"
	KindInstantiation  Kind = "instantiation"
	KindClosed         Kind = "closed"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
	// Code is the engine result code this error maps to, 0 if none.
	Code int32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a phase matches any phase of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Sentinels for errors.Is checks across phases.
var (
	ErrOutOfMemory = &Error{Kind: KindOutOfMemory}
	ErrCorruption  = &Error{Kind: KindCorruption}
	ErrBackend     = &Error{Kind: KindBackend}
	ErrBusy        = &Error{Kind: KindBusy}
	ErrShortRead   = &Error{Kind: KindShortRead}
	ErrStaleHandle = &Error{Kind: KindStaleHandle}
	ErrClosed      = &Error{Kind: KindClosed}
)

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsFatal reports whether err must abort the enclosing top-level call.
func IsFatal(err error) bool {
	return IsKind(err, KindOutOfMemory) || IsKind(err, KindCorruption) || IsKind(err, KindStaleHandle)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Code sets the engine result code
func (b *Builder) Code(code int32) *Builder {
	b.err.Code = code
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// OutOfMemory creates an allocation failure error
func OutOfMemory(phase Phase, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfMemory,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Value:  size,
	}
}

// Corruption creates a protocol corruption error
func Corruption(phase Phase, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCorruption,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Backend wraps a storage failure with the engine code it maps to
func Backend(op string, code int32, cause error) *Error {
	return &Error{
		Phase:  PhaseVFS,
		Kind:   KindBackend,
		Path:   []string{op},
		Code:   code,
		Detail: "backend operation failed",
		Cause:  cause,
	}
}

// Busy creates a lock contention error
func Busy(op string) *Error {
	return &Error{
		Phase:  PhaseVFS,
		Kind:   KindBusy,
		Path:   []string{op},
		Detail: "lock not available",
	}
}

// ShortRead creates a short read error
func ShortRead(want, got int) *Error {
	return &Error{
		Phase:  PhaseVFS,
		Kind:   KindShortRead,
		Detail: fmt.Sprintf("read %d of %d bytes", got, want),
		Value:  got,
	}
}

// StaleHandle creates an error for a handle that is not (or no longer) live
func StaleHandle(phase Phase, what string, id uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindStaleHandle,
		Detail: fmt.Sprintf("%s %d is not live", what, id),
		Value:  id,
	}
}

// OutOfBounds creates an out of bounds memory access error
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access [%d, +%d) out of bounds", offset, length),
		Value:  offset,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, value any, targetType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Detail: fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:  value,
	}
}

// TypeMismatch creates a conversion error for an unsupported Go type
func TypeMismatch(phase Phase, goType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Detail: fmt.Sprintf("cannot convert Go type %s", goType),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, namespace, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s.%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module string // e.g., "vfs"
	Name   string // e.g., "xOpen"
}

// MissingImportsError is returned when the engine module declares imports
// that no host module provides
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module.name" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, name, _ := strings.Cut(imp, ".")
		result.Imports = append(result.Imports, MissingImport{Module: mod, Name: name})
	}
	return result
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[load] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d host function(s):\n", len(e.Imports))

	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Name)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, name := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
