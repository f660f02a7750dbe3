// Package ordering delivers commands to the ledger state machine in one
// agreed order. FIFO serves a single process; Replicated delegates ordering
// to a consensus engine.
package ordering

import (
	"context"
	"sync"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
)

// Channel is the ordered command channel. Submit returns once the command has
// been accepted into the ordering domain; the Future resolves after apply.
type Channel interface {
	Submit(ctx context.Context, cmd fsm.Command) (*Future, error)
}

// Future is the pending outcome of a submitted command. Abandoning a Future
// never cancels the command it tracks.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result fsm.Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res fsm.Result, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the command has been applied or ctx ends. An error means
// the outcome is unknown to this caller; a rejection by the state machine is
// reported in Result.Err instead.
func (f *Future) Wait(ctx context.Context) (fsm.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return fsm.Result{}, ctx.Err()
	}
}

// SubmitAndWait is the common submit-then-wait path.
func SubmitAndWait(ctx context.Context, ch Channel, cmd fsm.Command) (fsm.Result, error) {
	fut, err := ch.Submit(ctx, cmd)
	if err != nil {
		return fsm.Result{}, err
	}
	return fut.Wait(ctx)
}
