package consensus

import (
	"io"

	"github.com/hashicorp/raft"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
)

// fsmAdapter plugs the ledger state machine into raft's apply callback.
type fsmAdapter struct {
	machine *fsm.Machine
}

func (a *fsmAdapter) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}
	return a.machine.ApplyEncodedAt(l.Index, l.Data)
}

// Snapshot copies the store on the apply goroutine; Persist then streams the
// copy out concurrently with further applies.
func (a *fsmAdapter) Snapshot() (raft.FSMSnapshot, error) {
	pairs, err := a.machine.Export()
	if err != nil {
		return nil, err
	}
	return &storeSnapshot{pairs: pairs}, nil
}

func (a *fsmAdapter) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return a.machine.Restore(rc)
}

type storeSnapshot struct {
	pairs []interfaces.KV
}

func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := fsm.WriteDump(sink, s.pairs); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *storeSnapshot) Release() {}

var _ raft.FSM = (*fsmAdapter)(nil)
