// Package consensus runs the ledger state machine under hashicorp/raft.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// Stores are the raft persistence and transport dependencies.
type Stores struct {
	Log       raft.LogStore
	Stable    raft.StableStore
	Snapshots raft.SnapshotStore
	Transport raft.Transport
}

// Node is one member of the raft cluster.
type Node struct {
	id        string
	raft      *raft.Raft
	transport raft.Transport
	closers   []io.Closer
	logger    zerolog.Logger

	notifyCh chan bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	leader    bool
	listeners []func(isLeader bool)

	shutdownOnce sync.Once
}

type Option func(*nodeOptions)

type nodeOptions struct {
	logger zerolog.Logger
	hclog  hclog.Logger
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *nodeOptions) { o.logger = logger }
}

// WithRaftLogger sets the logger handed to raft itself.
func WithRaftLogger(l hclog.Logger) Option {
	return func(o *nodeOptions) { o.hclog = l }
}

// Open creates a node persisting its log and stable store in bbolt files and
// its snapshots on disk, listening on cfg.BindAddr.
func Open(cfg Config, machine *fsm.Machine, opts ...Option) (*Node, error) {
	cfg.setDefaults()
	o := applyOptions(opts)

	logDir := filepath.Join(cfg.DataDir, "log")
	metaDir := filepath.Join(cfg.DataDir, "meta")
	snapDir := filepath.Join(cfg.DataDir, "snapshot")
	for _, dir := range []string{logDir, metaDir, snapDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("consensus: create %s: %w", dir, err)
		}
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(logDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: open log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(metaDir, "raft-meta.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("consensus: open stable store: %w", err)
	}
	closeStores := func() {
		logStore.Close()
		stableStore.Close()
	}

	snaps, err := raft.NewFileSnapshotStoreWithLogger(snapDir, cfg.RetainSnapshots, o.hclog)
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("consensus: open snapshot store: %w", err)
	}

	advertise, err := net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("consensus: resolve %s: %w", cfg.AdvertiseAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, o.hclog)
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("consensus: listen on %s: %w", cfg.BindAddr, err)
	}

	n, err := newNode(cfg, machine, Stores{
		Log:       logStore,
		Stable:    stableStore,
		Snapshots: snaps,
		Transport: transport,
	}, o)
	if err != nil {
		transport.Close()
		closeStores()
		return nil, err
	}
	n.closers = append(n.closers, logStore, stableStore)
	return n, nil
}

// NewWithStores builds a node over caller-provided stores, for example the
// in-memory ones from the raft package.
func NewWithStores(cfg Config, machine *fsm.Machine, stores Stores, opts ...Option) (*Node, error) {
	cfg.setDefaults()
	return newNode(cfg, machine, stores, applyOptions(opts))
}

func applyOptions(opts []Option) nodeOptions {
	o := nodeOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hclog == nil {
		o.hclog = hclog.NewNullLogger()
	}
	return o
}

func newNode(cfg Config, machine *fsm.Machine, stores Stores, o nodeOptions) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("consensus: node id is required")
	}

	notifyCh := make(chan bool, 16)

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.ElectionTimeout = cfg.ElectionTimeout
	conf.HeartbeatTimeout = cfg.HeartbeatTimeout
	conf.LeaderLeaseTimeout = min(conf.LeaderLeaseTimeout, cfg.HeartbeatTimeout)
	conf.SnapshotInterval = cfg.SnapshotInterval
	if cfg.SnapshotThreshold > 0 {
		conf.SnapshotThreshold = cfg.SnapshotThreshold
	}
	conf.NotifyCh = notifyCh
	conf.Logger = o.hclog

	r, err := raft.NewRaft(conf, &fsmAdapter{machine: machine}, stores.Log, stores.Stable, stores.Snapshots, stores.Transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: start raft: %w", err)
	}

	n := &Node{
		id:        cfg.NodeID,
		raft:      r,
		transport: stores.Transport,
		logger:    o.logger.With().Str("component", "raft").Str("node_id", cfg.NodeID).Logger(),
		notifyCh:  notifyCh,
		stopCh:    make(chan struct{}),
	}

	if cfg.Bootstrap {
		if err := n.bootstrap(cfg, stores); err != nil {
			r.Shutdown()
			return nil, err
		}
	}

	n.wg.Add(1)
	go n.watchLeadership()

	n.logger.Info().
		Str("bind_addr", cfg.BindAddr).
		Dur("election_timeout", cfg.ElectionTimeout).
		Dur("snapshot_interval", cfg.SnapshotInterval).
		Msg("raft node started")
	return n, nil
}

func (n *Node) bootstrap(cfg Config, stores Stores) error {
	existing, err := raft.HasExistingState(stores.Log, stores.Stable, stores.Snapshots)
	if err != nil {
		return fmt.Errorf("consensus: inspect state: %w", err)
	}
	if existing {
		return nil
	}

	var servers []raft.Server
	for _, p := range cfg.servers() {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.Address),
		})
	}
	if err := n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil &&
		!errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("consensus: bootstrap: %w", err)
	}
	n.logger.Info().Int("voters", len(servers)).Msg("bootstrapped cluster")
	return nil
}

func (n *Node) watchLeadership() {
	defer n.wg.Done()
	for {
		select {
		case isLeader := <-n.notifyCh:
			n.setLeader(isLeader)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) setLeader(isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leader == isLeader {
		return
	}
	n.leader = isLeader

	leaderAddr, leaderID := n.raft.LeaderWithID()
	n.logger.Info().
		Bool("is_leader", isLeader).
		Str("leader_id", string(leaderID)).
		Str("leader_addr", string(leaderAddr)).
		Msg("leadership changed")
	for _, fn := range n.listeners {
		fn(isLeader)
	}
}

// OnLeadershipChange registers fn for leadership transitions. If this node is
// already leader, fn is called with true before OnLeadershipChange returns.
func (n *Node) OnLeadershipChange(fn func(isLeader bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
	if n.leader {
		fn(true)
	}
}

func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the address of the current leader, or "" when unknown.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Propose appends data to the replicated log and returns the local apply
// result. ctx bounds the enqueue and the wait; once appended, the entry is
// applied regardless.
func (n *Node) Propose(ctx context.Context, data []byte) (any, error) {
	if !n.IsLeader() {
		return nil, models.NotLeaderError{Leader: n.Leader()}
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	future := n.raft.Apply(data, timeout)
	errCh := make(chan error, 1)
	go func() { errCh <- future.Error() }()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, n.mapError(err)
		}
		return future.Response(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) mapError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
		return models.NotLeaderError{Leader: n.Leader(), Reason: err.Error()}
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %v", models.ErrChannelClosed, err)
	}
	return fmt.Errorf("consensus: apply: %w", err)
}

// Status is a point-in-time view of the node.
type Status struct {
	NodeID       string `json:"node_id"`
	State        string `json:"state"`
	IsLeader     bool   `json:"is_leader"`
	LeaderID     string `json:"leader_id"`
	LeaderAddr   string `json:"leader_addr"`
	Term         uint64 `json:"term"`
	CommitIndex  uint64 `json:"commit_index"`
	AppliedIndex uint64 `json:"applied_index"`
	LastIndex    uint64 `json:"last_index"`
}

func (n *Node) Status() Status {
	addr, id := n.raft.LeaderWithID()
	stats := n.raft.Stats()
	state := n.raft.State()
	return Status{
		NodeID:       n.id,
		State:        state.String(),
		IsLeader:     state == raft.Leader,
		LeaderID:     string(id),
		LeaderAddr:   string(addr),
		Term:         parseUint(stats["term"]),
		CommitIndex:  parseUint(stats["commit_index"]),
		AppliedIndex: n.raft.AppliedIndex(),
		LastIndex:    n.raft.LastIndex(),
	}
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// Snapshot forces a snapshot of the state machine.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// Shutdown stops raft and releases the transport and stores.
func (n *Node) Shutdown() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.raft.Shutdown().Error()
		close(n.stopCh)
		n.wg.Wait()

		if c, ok := n.transport.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		for _, c := range n.closers {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		n.logger.Info().Msg("raft node stopped")
	})
	return err
}
