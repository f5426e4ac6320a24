// Package engine models the host JavaScript engine as an opaque sink
// (spec §1, §6): a single operation, install(module_id, bytecode), called
// from exactly one execution context because the engine itself is not
// thread-safe (spec §4.D "linker context").
package engine

import "context"

// Sink is the engine's install operation, the only engine surface this
// repository depends on (spec §6 "Engine sink interface (consumed)").
type Sink interface {
	Install(ctx context.Context, moduleID string, bytecode []byte) error
}

// Dispatcher serializes every Sink call onto a single goroutine, regardless
// of which goroutine calls Install, so the engine never observes concurrent
// installs (spec §5 "Engine sink dispatcher: single-threaded; calls
// serialize naturally").
type Dispatcher struct {
	sink Sink
	jobs chan job
	done chan struct{}
}

type job struct {
	ctx      context.Context
	moduleID string
	bytecode []byte
	result   chan error
}

// NewDispatcher constructs a Dispatcher wrapping sink and starts its single
// worker goroutine. Call Close when done to stop it.
func NewDispatcher(sink Sink) *Dispatcher {
	d := &Dispatcher{
		sink: sink,
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.jobs {
		j.result <- d.sink.Install(j.ctx, j.moduleID, j.bytecode)
	}
}

// Install hands (moduleID, bytecode) to the underlying sink on the
// dispatcher's single goroutine and blocks until it completes or ctx is
// cancelled.
func (d *Dispatcher) Install(ctx context.Context, moduleID string, bytecode []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result := make(chan error, 1)
	select {
	case d.jobs <- job{ctx: ctx, moduleID: moduleID, bytecode: bytecode, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher's worker goroutine. It must not be called
// concurrently with Install.
func (d *Dispatcher) Close() {
	close(d.jobs)
	<-d.done
}
