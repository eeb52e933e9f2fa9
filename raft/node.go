// Package raft implements the per-node consensus state machine: a
// transition function from (message, node state) to (role, new state,
// effects). All I/O other than the log write-through is described as
// effects and executed by the driver.
package raft

import (
	"encoding/binary"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
)

// Metadata keys persisted through the log facade.
const (
	metaCurrentTerm = "currentTerm"
	metaVotedFor    = "votedFor"
)

// Config carries everything needed to initialise a node.
type Config struct {
	ID      common.NodeID
	Members []common.NodeID
	Log     common.LogBackend

	// Apply folds committed user commands into the machine state.
	Apply common.ApplyFn
	// InitialMachineState seeds the state machine.
	InitialMachineState interface{}
	// RestoreMachineState rebuilds machine state from snapshot bytes.
	// Nil means snapshots reset to InitialMachineState.
	RestoreMachineState func([]byte) interface{}

	Logger *zap.Logger
}

// Node is one consensus participant. It is not safe for concurrent
// use: the driver feeds it one message at a time.
type Node struct {
	id       common.NodeID
	cluster  common.Cluster
	leaderID *common.NodeID

	currentTerm common.Term
	votedFor    *common.NodeID

	commitIndex common.Index
	lastApplied common.Index

	log common.LogBackend

	clusterIndexTerm       indexTerm
	clusterChangePermitted bool
	pendingClusterChanges  []common.ClusterChangeCommand
	prevCluster            *previousCluster

	votes int

	machineState        interface{}
	initialMachineState interface{}
	applyFn             common.ApplyFn
	restoreFn           func([]byte) interface{}

	role      Role
	condition conditionKind

	pendingAcks []pendingAck

	logger *zap.Logger
}

// Init builds a node from persisted state: metadata is read back, the
// snapshot (if any) seeds commit/apply indexes and machine state, and
// the cluster is the config members overridden by the snapshot and by
// the latest cluster-change entry found past the commit index.
func Init(cfg Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		id:                  cfg.ID,
		cluster:             common.NewCluster(cfg.Members),
		log:                 cfg.Log,
		machineState:        cfg.InitialMachineState,
		initialMachineState: cfg.InitialMachineState,
		applyFn:             cfg.Apply,
		restoreFn:           cfg.RestoreMachineState,
		role:                Follower,
		logger:              logger.With(zap.String("node", cfg.ID.String())),
	}

	if val, err := n.log.ReadMeta(metaCurrentTerm); err != nil {
		return nil, err
	} else if val != nil {
		n.currentTerm = common.Term(binary.BigEndian.Uint64(val))
	}
	if val, err := n.log.ReadMeta(metaVotedFor); err != nil {
		return nil, err
	} else if len(val) == 16 {
		id, err := uuid.FromBytes(val)
		if err != nil {
			return nil, err
		}
		n.votedFor = &id
	}

	snap, err := n.log.ReadSnapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		n.commitIndex = snap.Index
		n.lastApplied = snap.Index
		n.cluster = common.NewCluster(snap.Cluster)
		if n.restoreFn != nil {
			n.machineState = n.restoreFn(snap.MachineState)
		}
	}

	// the latest membership entry in the log wins over the snapshot
	last, _ := n.log.LastIndexTerm()
	if entries, err := n.log.Take(n.commitIndex+1, last); err == nil {
		for _, e := range entries {
			if cc, ok := e.Command.(common.ClusterChangeCommand); ok {
				n.cluster = common.NewCluster(cc.NewCluster)
				n.clusterIndexTerm = indexTerm{idx: e.Index, term: e.Term}
			}
		}
	}

	n.logger.Info("node initialized",
		zap.Uint64("term", uint64(n.currentTerm)),
		zap.Uint64("commitIndex", uint64(n.commitIndex)),
		zap.Int("clusterSize", len(n.cluster)))
	return n, nil
}

func (n *Node) ID() common.NodeID   { return n.id }
func (n *Node) Role() Role          { return n.role }
func (n *Node) Term() common.Term   { return n.currentTerm }
func (n *Node) Leader() *common.NodeID {
	return n.leaderID
}
func (n *Node) CommitIndex() common.Index { return n.commitIndex }
func (n *Node) LastApplied() common.Index { return n.lastApplied }
func (n *Node) MachineState() interface{} { return n.machineState }

// Cluster returns a copy of the current member map.
func (n *Node) Cluster() common.Cluster { return n.cluster.Clone() }

// Step dispatches one message through the role handlers and returns
// the effects for the driver to execute.
func (n *Node) Step(msg common.Message) []common.Effect {
	if n.role == Stopped {
		return nil
	}

	// Universal term rule: any message carrying a newer term demotes
	// us to follower before it is handled.
	if term, ok := messageTerm(msg); ok && term > n.currentTerm {
		n.logger.Info("observed higher term, converting to follower",
			zap.Uint64("term", uint64(term)))
		n.setTermAndVote(term, nil)
		n.becomeFollower()
	}

	switch n.role {
	case Follower:
		return n.stepFollower(msg)
	case Candidate:
		return n.stepCandidate(msg)
	case Leader:
		return n.stepLeader(msg)
	case AwaitCondition:
		return n.stepAwaitCondition(msg)
	}
	return nil
}

// setTermAndVote persists the term and vote atomically behind one
// metadata fsync. Term changes without a durable record would let a
// node double-vote after restart.
func (n *Node) setTermAndVote(term common.Term, votedFor *common.NodeID) {
	n.currentTerm = term
	n.votedFor = votedFor

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(term))
	if err := n.log.WriteMeta(metaCurrentTerm, buf[:]); err != nil {
		n.logger.Error("failed to persist term", zap.Error(err))
	}
	var voteBytes []byte
	if votedFor != nil {
		voteBytes = votedFor[:]
	}
	if err := n.log.WriteMeta(metaVotedFor, voteBytes); err != nil {
		n.logger.Error("failed to persist vote", zap.Error(err))
	}
	if err := n.log.SyncMeta(); err != nil {
		n.logger.Error("failed to sync metadata", zap.Error(err))
	}
}

func (n *Node) becomeFollower() {
	if n.role != Follower {
		n.logger.Info("converting to follower")
	}
	n.role = Follower
	n.condition = condNone
	n.leaderID = nil
	n.votes = 0
}

// quorumSize is the number of members needed for a majority of the
// current cluster.
func (n *Node) quorumSize() int {
	return len(n.cluster)/2 + 1
}

// messageTerm extracts the term a message carries, if any.
func messageTerm(msg common.Message) (common.Term, bool) {
	switch m := msg.(type) {
	case common.AppendEntriesMessage:
		return m.Rpc.Term, true
	case common.RequestVoteMessage:
		return m.Rpc.Term, true
	case common.InstallSnapshotMessage:
		return m.Rpc.Term, true
	case common.AppendEntriesRPCResult:
		return m.Term, true
	case common.RequestVoteRPCResult:
		return m.Term, true
	case common.InstallSnapshotRPCResult:
		return m.Term, true
	}
	return 0, false
}
