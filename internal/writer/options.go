package writer

import (
	"time"

	"github.com/rs/zerolog"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
)

const (
	DefaultBatchSize     = 16384
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultWorkers       = 1
	DefaultBufferSize    = 100000
	DefaultFlushTimeout  = 30 * time.Second
)

// Option configures a Writer.
type Option func(*Writer)

// WithBatchSize caps the number of events written per flush.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFlushInterval bounds how long a worker keeps collecting into a batch
// that is still being fed.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithWorkers sets the number of flush workers. More than one worker gives up
// per-account ordering of mirror upserts.
func WithWorkers(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithBufferSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithBlockOnFull makes Enqueue wait for buffer space instead of dropping.
func WithBlockOnFull(block bool) Option {
	return func(w *Writer) { w.blockOnFull = block }
}

func WithFlushTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.flushTimeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(w *Writer) { w.logger = logger.With().Str("component", "writer").Logger() }
}

// WithPublisher publishes a TransactionCompleted event for every transaction
// the mirror accepted.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(w *Writer) { w.publisher = p }
}

// WithObserver registers a hook notified about flushes and drops.
func WithObserver(o Observer) Option {
	return func(w *Writer) { w.observers = append(w.observers, o) }
}
