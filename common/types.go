package common

import (
	"encoding/gob"

	"github.com/google/uuid"
)

// NodeID uniquely names a node across the cluster.
type NodeID = uuid.UUID

// Term is an election epoch, monotonically increasing.
type Term uint64

// Index is a position within the replicated log. Valid indexes start
// at 1; index 0 with term 0 denotes "before the log".
type Index uint64

// ReplyMode selects when a caller hears back about its command.
type ReplyMode int

const (
	// AfterLogAppend replies with (index, term) as soon as the leader
	// has appended the entry to its own log.
	AfterLogAppend ReplyMode = iota
	// AwaitConsensus replies only after the entry is committed and
	// applied to the state machine.
	AwaitConsensus
	// NotifyOnConsensus is like AwaitConsensus but delivers the result
	// as a one-way notification instead of a reply.
	NotifyOnConsensus
)

// Caller identifies the origin of a command. The reply channel is not
// serialized; entries decoded from disk carry only the node and sequence
// so stale replies are dropped rather than misdelivered.
type Caller struct {
	Node NodeID
	Seq  uint64

	replyCh chan<- Reply
}

// NewCaller makes a Caller whose replies are delivered on ch.
func NewCaller(node NodeID, seq uint64, ch chan<- Reply) Caller {
	return Caller{Node: node, Seq: seq, replyCh: ch}
}

// Deliver sends a reply to the caller if it is still reachable.
// It never blocks: a caller that went away just misses its reply.
func (c Caller) Deliver(r Reply) {
	if c.replyCh == nil {
		return
	}
	select {
	case c.replyCh <- r:
	default:
	}
}

// Reply is the value handed back to a caller.
type Reply struct {
	Index Index
	Term  Term
	Value interface{}
	Err   error
}

// Command is the payload of a log entry.
type Command interface {
	isCommand()
}

// UserCommand is an opaque application command applied via the
// user-supplied apply function.
type UserCommand struct {
	From    Caller
	Payload []byte
	Mode    ReplyMode
}

// QueryCommand is a consistent read. The query function is volatile:
// it survives neither serialization nor restart, and a copy decoded
// from disk applies as a no-op.
type QueryCommand struct {
	From Caller
	Mode ReplyMode

	fn func(machineState interface{}) interface{}
}

// NewQuery wraps fn as a loggable consistent-read command.
func NewQuery(from Caller, fn func(interface{}) interface{}, mode ReplyMode) QueryCommand {
	return QueryCommand{From: from, Mode: mode, fn: fn}
}

// Eval runs the query against the given machine state.
// Returns false if the function was lost to serialization.
func (q QueryCommand) Eval(machineState interface{}) (interface{}, bool) {
	if q.fn == nil {
		return nil, false
	}
	return q.fn(machineState), true
}

// ClusterChangeCommand replaces the member set. Only single-server
// additions or removals are permitted per change.
type ClusterChangeCommand struct {
	From       Caller
	NewCluster []NodeID
	Mode       ReplyMode
}

// NoopCommand is inserted by a new leader to commit its term.
type NoopCommand struct{}

func (UserCommand) isCommand()          {}
func (QueryCommand) isCommand()         {}
func (ClusterChangeCommand) isCommand() {}
func (NoopCommand) isCommand()          {}

// LogEntry is one slot of the replicated log.
type LogEntry struct {
	Index   Index
	Term    Term
	Command Command
}

// PeerState is the leader's view of one cluster member.
type PeerState struct {
	// MatchIndex is the highest index known replicated on the peer.
	MatchIndex Index
	// NextIndex is the next index the leader will send.
	NextIndex Index
}

// Cluster maps every member (including self) to its replication state.
type Cluster map[NodeID]*PeerState

// Clone returns a deep copy of the cluster map.
func (c Cluster) Clone() Cluster {
	out := make(Cluster, len(c))
	for id, ps := range c {
		cp := *ps
		out[id] = &cp
	}
	return out
}

// Members returns the member ids in unspecified order.
func (c Cluster) Members() []NodeID {
	ids := make([]NodeID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	return ids
}

// NewCluster builds a cluster map with zeroed peer state.
func NewCluster(members []NodeID) Cluster {
	c := make(Cluster, len(members))
	for _, id := range members {
		c[id] = &PeerState{}
	}
	return c
}

// Snapshot is a point-in-time image of the applied state machine.
type Snapshot struct {
	Index        Index
	Term         Term
	Cluster      []NodeID
	MachineState []byte
}

func init() {
	gob.Register(UserCommand{})
	gob.Register(QueryCommand{})
	gob.Register(ClusterChangeCommand{})
	gob.Register(NoopCommand{})
}
