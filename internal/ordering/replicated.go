package ordering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

const DefaultApplyTimeout = 10 * time.Second

// Proposer is the consensus engine as seen by the channel. Propose returns
// the value produced by the local apply callback once the entry is committed
// and applied on this node.
type Proposer interface {
	Propose(ctx context.Context, data []byte) (any, error)
	IsLeader() bool
	Leader() string
}

// LeaderStartFunc runs when this node becomes leader, before it accepts
// writes. A failing hook keeps the node closed for writes.
type LeaderStartFunc func(ctx context.Context) error

// Replicated is the consensus-backed channel. Only a ready leader accepts
// submissions; every other node fails fast with a NotLeaderError.
type Replicated struct {
	proposer      Proposer
	applyTimeout  time.Duration
	onLeaderStart LeaderStartFunc
	logger        zerolog.Logger

	mu      sync.Mutex
	ready   bool
	epoch   uint64
	stopped bool
	wg      sync.WaitGroup
}

type ReplicatedOption func(*Replicated)

// WithApplyTimeout bounds how long a proposal may take to commit. The
// caller's context only bounds its own wait.
func WithApplyTimeout(d time.Duration) ReplicatedOption {
	return func(r *Replicated) {
		if d > 0 {
			r.applyTimeout = d
		}
	}
}

func WithLeaderStart(fn LeaderStartFunc) ReplicatedOption {
	return func(r *Replicated) { r.onLeaderStart = fn }
}

func WithReplicatedLogger(logger zerolog.Logger) ReplicatedOption {
	return func(r *Replicated) { r.logger = logger.With().Str("component", "replicated").Logger() }
}

func NewReplicated(p Proposer, opts ...ReplicatedOption) *Replicated {
	r := &Replicated{
		proposer:     p,
		applyTimeout: DefaultApplyTimeout,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Replicated) Submit(ctx context.Context, cmd fsm.Command) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.proposer.IsLeader() {
		return nil, models.NotLeaderError{Leader: r.proposer.Leader()}
	}

	data, err := fsm.Encode(cmd)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	switch {
	case r.stopped:
		r.mu.Unlock()
		return nil, models.ErrChannelClosed
	case !r.ready:
		r.mu.Unlock()
		return nil, models.NotLeaderError{Reason: "leader is still initializing"}
	}
	r.wg.Add(1)
	r.mu.Unlock()

	fut := newFuture()
	go func() {
		defer r.wg.Done()
		pctx, cancel := context.WithTimeout(context.Background(), r.applyTimeout)
		defer cancel()

		resp, err := r.proposer.Propose(pctx, data)
		if err != nil {
			r.logger.Warn().Err(err).Str("type", string(cmd.Type)).Msg("proposal failed")
			fut.resolve(fsm.Result{}, err)
			return
		}
		res, ok := resp.(fsm.Result)
		if !ok {
			fut.resolve(fsm.Result{}, fmt.Errorf("ordering: unexpected apply response %T", resp))
			return
		}
		fut.resolve(res, nil)
	}()
	return fut, nil
}

// OnLeadershipChange opens the channel for writes once the leader-start hook
// has completed, and closes it immediately on losing leadership.
func (r *Replicated) OnLeadershipChange(isLeader bool) {
	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	r.ready = false
	r.mu.Unlock()

	if !isLeader {
		r.logger.Info().Msg("stepped down, writes closed")
		return
	}

	go func() {
		if r.onLeaderStart != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			err := r.onLeaderStart(ctx)
			cancel()
			if err != nil {
				r.logger.Error().Err(err).Msg("leader start hook failed, writes stay closed")
				return
			}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.epoch != epoch || r.stopped {
			return
		}
		r.ready = true
		r.logger.Info().Msg("became leader, writes open")
	}()
}

// Ready reports whether this node currently accepts submissions.
func (r *Replicated) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready && !r.stopped
}

// Stop refuses new submissions and waits for in-flight proposals.
func (r *Replicated) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.ready = false
	r.mu.Unlock()
	r.wg.Wait()
}

var _ Channel = (*Replicated)(nil)
