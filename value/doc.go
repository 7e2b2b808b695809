// Package value converts tagged values between Go and the engine.
//
// A Value is one of Null, Integer, Real, Text, Blob, Handle or ZeroBlob.
// FromGo picks the kind from the Go runtime type, never from the target
// column. Binder writes values into statement parameters and Reader turns
// engine value pointers back into Values:
//
//	b := value.NewBinder(inst, a, handles)
//	err := b.BindAll(ctx, stmt, 42, "name", []byte{1, 2}, nil)
//
// Handle values carry a resource.Handle through the engine. The engine
// calls the value.release import when it drops one.
package value
