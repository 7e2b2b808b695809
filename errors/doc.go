// Package errors provides structured error types for wasm-vfs.
//
// Errors are categorized by Phase (which layer failed) and Kind (error category).
// The kinds OutOfMemory and Corruption are fatal to the enclosing top-level
// call; Backend, Busy and ShortRead are ordinary outcomes that the VFS layer
// turns into engine result codes.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseVFS, errors.KindBackend).
//		Path("xRead").
//		Code(266).
//		Cause(ioErr).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfMemory(errors.PhaseArena, 64)
//	err := errors.Corruption(errors.PhaseBridge, "nested call to %s", name)
//
// Sentinels such as ErrOutOfMemory carry no phase and match any error of the
// same kind through errors.Is.
package errors
