package raft

import (
	"sync/atomic"
	"time"

	"github.com/quorumlog/quorumlog/common"
)

// The driver doubles as the node's RPC surface. Inbound RPCs become
// mailbox messages carrying a response path; the RPC call blocks until
// the state machine (and, for appends, the WAL) has an answer.

func (d *Driver) GetID() common.NodeID {
	return d.node.ID()
}

func (d *Driver) rpcTimeout() time.Duration {
	t := 20 * d.cfg.Broadcast
	if t < time.Second {
		t = time.Second
	}
	return t
}

func (d *Driver) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	ch := make(chan common.AppendEntriesRPCResult, 1)
	d.Enqueue(common.AppendEntriesMessage{
		Rpc: *args,
		Respond: func(r common.AppendEntriesRPCResult) {
			select {
			case ch <- r:
			default:
			}
		},
	})
	select {
	case r := <-ch:
		*result = r
		return nil
	case <-time.After(d.rpcTimeout()):
		return common.NewErrStopped()
	case <-d.stopCh:
		return common.NewErrStopped()
	}
}

func (d *Driver) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	ch := make(chan common.RequestVoteRPCResult, 1)
	d.Enqueue(common.RequestVoteMessage{
		Rpc: *args,
		Respond: func(r common.RequestVoteRPCResult) {
			select {
			case ch <- r:
			default:
			}
		},
	})
	select {
	case r := <-ch:
		*result = r
		return nil
	case <-time.After(d.rpcTimeout()):
		return common.NewErrStopped()
	case <-d.stopCh:
		return common.NewErrStopped()
	}
}

func (d *Driver) InstallSnapshot(args *common.InstallSnapshotRPC, result *common.InstallSnapshotRPCResult) error {
	ch := make(chan common.InstallSnapshotRPCResult, 1)
	d.Enqueue(common.InstallSnapshotMessage{
		Rpc: *args,
		Respond: func(r common.InstallSnapshotRPCResult) {
			select {
			case ch <- r:
			default:
			}
		},
	})
	select {
	case r := <-ch:
		*result = r
		return nil
	case <-time.After(d.rpcTimeout()):
		return common.NewErrStopped()
	case <-d.stopCh:
		return common.NewErrStopped()
	}
}

// ClientRequest appends an opaque command and waits for consensus.
// Followers forward to the leader they know of, like any good
// receptionist.
func (d *Driver) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	replyCh := make(chan common.Reply, 1)
	seq := atomic.AddUint64(&d.callerSeq, 1)
	cmd := common.UserCommand{
		From:    common.NewCaller(d.node.ID(), seq, replyCh),
		Payload: args.Data,
		Mode:    common.AwaitConsensus,
	}
	d.Enqueue(common.CommandMessage{Cmd: cmd})

	select {
	case reply := <-replyCh:
		if reply.Err == nil {
			result.Success = true
			if data, ok := reply.Value.([]byte); ok {
				result.Data = data
			}
			return nil
		}
		if common.IsErrNotLeader(reply.Err) {
			return d.forwardToLeader(args, result)
		}
		result.Success = false
		result.Error = reply.Err.Error()
		return nil
	case <-time.After(d.rpcTimeout()):
		result.Success = false
		result.Error = "request timed out"
		return nil
	case <-d.stopCh:
		return common.NewErrStopped()
	}
}

// Query runs a consistent read: the query function rides through the
// log like any command and is evaluated against the machine state at
// its commit point. Only the leader serves queries; the function is
// not serializable, so there is nothing to forward.
func (d *Driver) Query(fn func(machineState interface{}) interface{}) (interface{}, error) {
	replyCh := make(chan common.Reply, 1)
	seq := atomic.AddUint64(&d.callerSeq, 1)
	cmd := common.NewQuery(common.NewCaller(d.node.ID(), seq, replyCh), fn, common.AwaitConsensus)
	d.Enqueue(common.CommandMessage{Cmd: cmd})

	select {
	case reply := <-replyCh:
		return reply.Value, reply.Err
	case <-time.After(d.rpcTimeout()):
		return nil, common.NewErrStopped()
	case <-d.stopCh:
		return nil, common.NewErrStopped()
	}
}

func (d *Driver) forwardToLeader(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	leader := d.LeaderHint()
	if leader != nil && *leader != d.node.ID() {
		if peer := d.peer(*leader); peer != nil {
			return peer.ClientRequest(args, result)
		}
	}
	// no peer that we know of is a leader
	result.Success = false
	result.Error = "not connected to leader"
	return nil
}
