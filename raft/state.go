package raft

import (
	"github.com/quorumlog/quorumlog/common"
)

// Role is the node's current consensus role.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	AwaitCondition
	Stopped
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case AwaitCondition:
		return "await_condition"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// conditionKind names why the node is parked in AwaitCondition.
type conditionKind int

const (
	condNone conditionKind = iota
	// condCatchUp waits for an AppendEntries whose previous entry the
	// node actually has, or a snapshot covering the gap.
	condCatchUp
	// condWalDown waits for the write-ahead log to come back.
	condWalDown
)

// indexTerm is a log position.
type indexTerm struct {
	idx  common.Index
	term common.Term
}

// previousCluster remembers the member set in force before a pending
// cluster-change entry, for rollback if that entry is overwritten.
type previousCluster struct {
	idx     common.Index
	term    common.Term
	cluster common.Cluster
}

// pendingAck is a follower-side append acknowledgement deferred until
// the WAL reports the entries durable.
type pendingAck struct {
	upTo    common.Index
	respond func(common.AppendEntriesRPCResult)
}
