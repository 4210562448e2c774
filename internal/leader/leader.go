// Package leader provides a Raft-backed leadership lease among
// control-plane replicas. cmd/plfm-controlplane starts an Election, but
// nothing in this repository consults IsLeader or LeaderCh: the scheduler
// and the other background loops run on every replica regardless of
// leadership. Postgres's unique aggregate-sequence constraint is this
// system's only write-serialization point (spec.md §5); Raft here
// replicates nothing — the FSM is a no-op — and only elects a leader,
// without a separate lock service. Grounded verbatim on the teacher's pkg/manager.Bootstrap/
// Join raft wiring (timeouts, transport, bolt log/stable stores), with the
// FSM swapped for noopFSM and the CA/DNS/ingress bootstrapping stripped out
// since those are handled by their own packages now.
package leader

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config names this Raft node and where it keeps its data; the
// tuned-for-LAN timeouts (target: sub-10s failover) are fixed in newRaft,
// unchanged from pkg/manager.Bootstrap's rationale.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Logger   zerolog.Logger
}

// Election owns one Raft node dedicated to leadership, with no replicated
// log consumers besides the leadership transitions themselves.
type Election struct {
	raft   *raft.Raft
	nodeID string
	logger zerolog.Logger
}

// Bootstrap starts a brand-new single-node cluster; call this exactly once,
// from whichever process stands the cluster up.
func Bootstrap(cfg Config) (*Election, error) {
	r, err := newRaft(cfg)
	if err != nil {
		return nil, err
	}
	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(cfg.BindAddr)}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("bootstrap leader election cluster: %w", err)
	}
	return &Election{raft: r, nodeID: cfg.NodeID, logger: cfg.Logger}, nil
}

// Join starts a Raft node for an already-bootstrapped cluster; it becomes
// a voter only once the existing leader calls AddVoter for it, and nothing
// in this repository makes that call.
func Join(cfg Config) (*Election, error) {
	r, err := newRaft(cfg)
	if err != nil {
		return nil, err
	}
	return &Election{raft: r, nodeID: cfg.NodeID, logger: cfg.Logger}, nil
}

func newRaft(cfg Config) (*raft.Raft, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create leader election data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned for LAN/edge deployment rather than Raft's WAN-conservative
	// defaults, targeting sub-10s failover.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve leader election bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create leader election transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create leader election snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "leader-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create leader election log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "leader-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create leader election stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, &noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create leader election raft node: %w", err)
	}
	return r, nil
}

// AddVoter is called by the current leader to admit a newly-joined node.
func (e *Election) AddVoter(nodeID, addr string) error {
	if !e.IsLeader() {
		return fmt.Errorf("add voter %s: not leader", nodeID)
	}
	return e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

func (e *Election) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderCh fires true/false on every leadership transition observed by
// this node. No loop in this repository selects on it.
func (e *Election) LeaderCh() <-chan bool {
	return e.raft.LeaderCh()
}

func (e *Election) Shutdown() error {
	return e.raft.Shutdown().Error()
}

// noopFSM replicates nothing; leadership is the only signal this Raft
// group exists to produce.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{} { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}
func (noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}
