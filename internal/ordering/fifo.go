package ordering

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

const DefaultQueueSize = 10000

// Applier is the state machine step driven by a channel.
type Applier interface {
	Apply(cmd fsm.Command) fsm.Result
}

type pending struct {
	cmd    fsm.Command
	future *Future
}

// FIFO orders commands with one worker goroutine draining a bounded queue.
// Commands are applied in enqueue order, each exactly once.
type FIFO struct {
	machine Applier
	queue   chan pending
	logger  zerolog.Logger

	closing  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

type FIFOOption func(*FIFO)

func WithQueueSize(n int) FIFOOption {
	return func(f *FIFO) {
		if n > 0 {
			f.queue = make(chan pending, n)
		}
	}
}

func WithFIFOLogger(logger zerolog.Logger) FIFOOption {
	return func(f *FIFO) { f.logger = logger.With().Str("component", "fifo").Logger() }
}

func NewFIFO(machine Applier, opts ...FIFOOption) *FIFO {
	f := &FIFO{
		machine:  machine,
		queue:    make(chan pending, DefaultQueueSize),
		logger:   zerolog.Nop(),
		closing:  make(chan struct{}),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FIFO) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.stopped {
		return
	}
	f.started = true
	f.wg.Add(1)
	go f.worker()
	f.logger.Info().Int("queue_size", cap(f.queue)).Msg("fifo channel started")
}

// Stop applies everything already queued, then stops the worker. Later
// submissions fail with ErrChannelClosed.
func (f *FIFO) Stop() {
	f.stopOnce.Do(func() {
		close(f.closing)

		f.mu.Lock()
		f.stopped = true
		started := f.started
		f.mu.Unlock()

		close(f.stopChan)
		if started {
			f.wg.Wait()
		} else {
			f.failQueued()
		}
		f.logger.Info().Msg("fifo channel stopped")
	})
}

// Submit enqueues cmd. It only blocks while the queue is full.
func (f *FIFO) Submit(ctx context.Context, cmd fsm.Command) (*Future, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return nil, models.ErrChannelClosed
	}

	p := pending{cmd: cmd, future: newFuture()}
	select {
	case f.queue <- p:
		return p.future, nil
	default:
	}

	select {
	case f.queue <- p:
		return p.future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closing:
		return nil, models.ErrChannelClosed
	}
}

func (f *FIFO) worker() {
	defer f.wg.Done()
	for {
		select {
		case p := <-f.queue:
			f.apply(p)
		case <-f.stopChan:
			for {
				select {
				case p := <-f.queue:
					f.apply(p)
				default:
					return
				}
			}
		}
	}
}

func (f *FIFO) apply(p pending) {
	p.future.resolve(f.machine.Apply(p.cmd), nil)
}

func (f *FIFO) failQueued() {
	for {
		select {
		case p := <-f.queue:
			p.future.resolve(fsm.Result{}, models.ErrChannelClosed)
		default:
			return
		}
	}
}

// Pending reports the number of queued, not yet applied commands.
func (f *FIFO) Pending() int { return len(f.queue) }

var _ Channel = (*FIFO)(nil)
