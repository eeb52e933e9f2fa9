package raft

import (
	"github.com/quorumlog/quorumlog/common"
)

// stepAwaitCondition suspends normal processing: only the condition
// predicate looks at incoming messages. A satisfied predicate
// re-dispatches the triggering message as a follower. RequestVote
// always falls back to follower so elections are never starved, and
// the election timer keeps running.
func (n *Node) stepAwaitCondition(msg common.Message) []common.Effect {
	switch m := msg.(type) {
	case common.RequestVoteMessage:
		n.becomeFollower()
		return n.stepFollower(msg)
	case common.ElectionTimeoutMessage:
		return n.becomeCandidate()
	case common.AwaitConditionTimeoutMessage:
		n.logger.Info("await-condition timed out, reverting to follower")
		n.becomeFollower()
		return nil
	case common.WrittenEvent:
		// durability acknowledgements stay useful while parked
		if err := n.log.HandleEvent(m); err == nil && n.condition == condWalDown {
			n.becomeFollower()
			return n.handleWritten(m)
		}
		return nil
	default:
		if n.conditionSatisfied(msg) {
			n.becomeFollower()
			return n.stepFollower(msg)
		}
		// keep the leader's view honest while we are parked
		if ae, ok := msg.(common.AppendEntriesMessage); ok {
			ae.Respond(n.appendFailure())
		}
		return nil
	}
}

func (n *Node) conditionSatisfied(msg common.Message) bool {
	switch n.condition {
	case condCatchUp:
		switch m := msg.(type) {
		case common.AppendEntriesMessage:
			// the gap is healed once the leader's previous entry is
			// something we actually hold
			return n.checkPrev(m.Rpc.PrevLogIndex, m.Rpc.PrevLogTerm) == prevOk
		case common.InstallSnapshotMessage:
			// a snapshot at or past our tail covers any gap
			lastIdx, _ := n.log.LastIndexTerm()
			return m.Rpc.Snapshot.Index >= lastIdx
		}
		return false
	case condWalDown:
		// any attempt to write again will reveal whether the sink is
		// back; re-dispatch and let the follower path find out
		switch msg.(type) {
		case common.AppendEntriesMessage, common.InstallSnapshotMessage:
			return true
		}
		return false
	}
	return false
}
