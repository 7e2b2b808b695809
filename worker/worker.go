// Package worker serves one engine instance from a dedicated goroutine.
//
// Requests are strict ping-pong: a caller hands a request to the worker
// and blocks until the worker answers, and no second request is accepted
// while one is in flight. Any number of goroutines may share a Worker.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-vfs/arena"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/runtime"
)

// Opener creates the instance a worker owns. It runs on the worker
// goroutine.
type Opener func(ctx context.Context) (*runtime.Instance, error)

// Op is a request body. It runs on the worker goroutine with exclusive use
// of the instance.
type Op func(ctx context.Context, inst *runtime.Instance) (any, error)

type request struct {
	ctx context.Context
	op  Op
}

type response struct {
	val any
	err error
}

// Worker owns one instance.
type Worker struct {
	g     errgroup.Group
	reqs  chan request
	reply chan response
	done  chan struct{}
	inst  *runtime.Instance

	mu     sync.Mutex
	closed bool
	served uint64
}

// New starts a worker and waits until open has returned.
func New(ctx context.Context, open Opener) (*Worker, error) {
	w := &Worker{
		reqs:  make(chan request),
		reply: make(chan response),
		done:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	loopCtx := context.WithoutCancel(ctx)
	w.g.Go(func() error {
		defer close(w.done)
		inst, err := open(ctx)
		if err != nil {
			ready <- err
			return err
		}
		w.inst = inst
		ready <- nil
		return w.serve(loopCtx)
	})
	if err := <-ready; err != nil {
		w.g.Wait()
		return nil, errors.Wrap(errors.PhaseWorker, errors.KindInstantiation, err, "open instance")
	}
	Logger().Debug("worker started")
	return w, nil
}

func (w *Worker) serve(ctx context.Context) error {
	for req := range w.reqs {
		val, err := w.run(req)
		w.reply <- response{val: val, err: err}
	}
	err := w.inst.Close(ctx)
	Logger().Debug("worker stopped", zap.Error(err))
	return err
}

func (w *Worker) run(req request) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.PhaseWorker, errors.KindCorruption).
				Detail("request panicked: %v", r).
				Build()
		}
	}()
	return req.op(req.ctx, w.inst)
}

// Do runs op on the worker and waits for its result. A request that the
// worker has accepted always runs to completion, even when ctx ends.
func (w *Worker) Do(ctx context.Context, op Op) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.New(errors.PhaseWorker, errors.KindClosed).Detail("worker closed").Build()
	}
	select {
	case w.reqs <- request{ctx: ctx, op: op}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-w.reply
	w.served++
	return res.val, res.err
}

// Served returns the number of requests answered.
func (w *Worker) Served() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.served
}

// Close waits for the request in flight, stops the worker and closes the
// instance. Later requests fail with a closed error.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.reqs)
	w.mu.Unlock()
	return w.g.Wait()
}

func typed[T any](v any, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Call invokes an export.
func (w *Worker) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return typed[[]uint64](w.Do(ctx, func(ctx context.Context, inst *runtime.Instance) (any, error) {
		return inst.Call(ctx, name, params...)
	}))
}

// ReadMemory copies n bytes of linear memory at ptr.
func (w *Worker) ReadMemory(ctx context.Context, ptr, n uint32) ([]byte, error) {
	return typed[[]byte](w.Do(ctx, func(_ context.Context, inst *runtime.Instance) (any, error) {
		data, err := inst.Memory().Read(ptr, n)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}))
}

// WriteMemory copies data into linear memory at ptr.
func (w *Worker) WriteMemory(ctx context.Context, ptr uint32, data []byte) error {
	_, err := w.Do(ctx, func(_ context.Context, inst *runtime.Instance) (any, error) {
		return nil, inst.Memory().Write(ptr, data)
	})
	return err
}

// Fill sets n bytes at ptr to b.
func (w *Worker) Fill(ctx context.Context, ptr, n uint32, b byte) error {
	_, err := w.Do(ctx, func(_ context.Context, inst *runtime.Instance) (any, error) {
		data, err := inst.Memory().Read(ptr, n)
		if err != nil {
			return nil, err
		}
		for i := range data {
			data[i] = b
		}
		return nil, nil
	})
	return err
}

// ReadU32 reads the little-endian word at ptr.
func (w *Worker) ReadU32(ctx context.Context, ptr uint32) (uint32, error) {
	return typed[uint32](w.Do(ctx, func(_ context.Context, inst *runtime.Instance) (any, error) {
		return inst.Memory().ReadU32(ptr)
	}))
}

// CStrLen returns the length of the NUL-terminated string at ptr.
func (w *Worker) CStrLen(ctx context.Context, ptr uint32) (uint32, error) {
	return typed[uint32](w.Do(ctx, func(_ context.Context, inst *runtime.Instance) (any, error) {
		s, err := arena.ReadCString(inst.Memory(), ptr)
		return uint32(len(s)), err
	}))
}
