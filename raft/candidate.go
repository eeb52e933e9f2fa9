package raft

import (
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
)

// becomeCandidate starts an election: bump the term, vote for self,
// persist both, and ask every peer for its vote.
func (n *Node) becomeCandidate() []common.Effect {
	n.role = Candidate
	n.condition = condNone
	n.leaderID = nil
	me := n.id
	n.setTermAndVote(n.currentTerm+1, &me)
	n.votes = 1

	n.logger.Info("converting to candidate",
		zap.Uint64("term", uint64(n.currentTerm)))

	lastIdx, lastTerm := n.log.LastIndexTerm()
	rpc := common.RequestVoteRPC{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	var requests []common.PeerVoteRequest
	for id := range n.cluster {
		if id == n.id {
			continue
		}
		requests = append(requests, common.PeerVoteRequest{Peer: id, Rpc: rpc})
	}

	if n.votes >= n.quorumSize() {
		// single-node cluster: the self-vote is already a majority
		return n.becomeLeader()
	}
	return []common.Effect{
		common.ResetElectionTimerEffect{},
		common.SendVoteRequestsEffect{Requests: requests},
	}
}

func (n *Node) stepCandidate(msg common.Message) []common.Effect {
	switch m := msg.(type) {
	case common.RequestVoteRPCResult:
		if m.Term != n.currentTerm || !m.VoteGranted {
			return nil
		}
		n.votes++
		if n.votes >= n.quorumSize() {
			n.logger.Info("majority votes received in election",
				zap.Int("votes", n.votes),
				zap.Uint64("term", uint64(n.currentTerm)))
			return n.becomeLeader()
		}
		return nil
	case common.AppendEntriesMessage:
		// a leader of our own term (or newer, already folded in by the
		// term rule) is legitimate: recognize it and handle as follower
		n.becomeFollower()
		return n.stepFollower(msg)
	case common.InstallSnapshotMessage:
		n.becomeFollower()
		return n.stepFollower(msg)
	case common.RequestVoteMessage:
		// we voted for ourselves this term
		return n.handleRequestVote(m)
	case common.ElectionTimeoutMessage:
		// split vote, try again in a fresh term
		return n.becomeCandidate()
	case common.WrittenEvent:
		return n.handleWritten(m)
	case common.ResendWriteEvent:
		if err := n.log.HandleEvent(m); err != nil {
			return n.enterWalDownCondition(err)
		}
		return nil
	case common.CommandMessage:
		return rejectCommand(m, n.currentTerm)
	}
	return nil
}
