package raft

import (
	"sort"

	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
)

// maxEntriesPerAppend bounds one AppendEntries payload.
const maxEntriesPerAppend = 64

// becomeLeader initialises replication state for every peer and
// commits the new term with a noop entry.
func (n *Node) becomeLeader() []common.Effect {
	n.logger.Info("converting to leader",
		zap.Uint64("term", uint64(n.currentTerm)))
	n.role = Leader
	me := n.id
	n.leaderID = &me
	n.votes = 0
	n.clusterChangePermitted = false

	next := n.log.NextIndex()
	for id, ps := range n.cluster {
		if id == n.id {
			continue
		}
		// most optimistically, peers have everything; most
		// pessimistically, nothing is known replicated
		ps.NextIndex = next
		ps.MatchIndex = 0
	}

	return []common.Effect{common.NextEventEffect{
		Msg: common.CommandMessage{Cmd: common.NoopCommand{}},
	}}
}

func (n *Node) stepLeader(msg common.Message) []common.Effect {
	switch m := msg.(type) {
	case common.CommandMessage:
		return n.handleLeaderCommand(m.Cmd)
	case common.AppendEntriesRPCResult:
		return n.handleAppendReply(m)
	case common.InstallSnapshotRPCResult:
		return n.handleSnapshotReply(m)
	case common.AppendEntriesMessage:
		if m.Rpc.Term == n.currentTerm {
			// two leaders in one term is a safety violation, not a
			// recoverable state
			n.logger.Panic("received AppendEntries from another leader of our own term",
				zap.String("from", m.Rpc.Leader.String()),
				zap.Uint64("term", uint64(n.currentTerm)))
		}
		m.Respond(n.appendFailure())
		return nil
	case common.RequestVoteMessage:
		// higher terms were folded in before dispatch; equal or lower
		// term candidates get rejected
		m.Respond(common.RequestVoteRPCResult{Term: n.currentTerm, From: n.id})
		return nil
	case common.WrittenEvent:
		return n.handleLeaderWritten(m)
	case common.ResendWriteEvent:
		if err := n.log.HandleEvent(m); err != nil {
			return n.enterWalDownCondition(err)
		}
		return nil
	case common.HeartbeatTimeoutMessage:
		return n.broadcastAppendEntries(false)
	case common.RequestVoteRPCResult:
		return nil
	}
	return nil
}

func (n *Node) handleLeaderCommand(cmd common.Command) []common.Effect {
	var effects []common.Effect

	if cc, ok := cmd.(common.ClusterChangeCommand); ok {
		if !n.clusterChangePermitted {
			// one membership change at a time; queue the rest
			n.pendingClusterChanges = append(n.pendingClusterChanges, cc)
			return nil
		}
		if err := validateClusterChange(n.cluster, cc.NewCluster); err != nil {
			return []common.Effect{common.ReplyEffect{
				To:    cc.From,
				Reply: common.Reply{Term: n.currentTerm, Err: err},
			}}
		}
	}

	idx := n.log.NextIndex()
	entry := common.LogEntry{Index: idx, Term: n.currentTerm, Command: cmd}

	if cc, ok := cmd.(common.ClusterChangeCommand); ok {
		n.stashPreviousCluster()
		n.adoptClusterChange(idx, n.currentTerm, cc)
		n.clusterChangePermitted = false
	}

	if err := n.log.Append(entry, false); err != nil {
		if caller, _, ok := commandCaller(cmd); ok {
			effects = append(effects, common.ReplyEffect{
				To:    caller,
				Reply: common.Reply{Term: n.currentTerm, Err: err},
			})
		}
		return append(effects, n.enterWalDownCondition(err)...)
	}

	if caller, mode, ok := commandCaller(cmd); ok && mode == common.AfterLogAppend {
		effects = append(effects, common.ReplyEffect{
			To:    caller,
			Reply: common.Reply{Index: idx, Term: n.currentTerm},
		})
	}

	return append(effects, n.broadcastAppendEntries(true)...)
}

// broadcastAppendEntries builds one AppendEntries (or InstallSnapshot,
// for peers beyond the log's reach) per peer.
func (n *Node) broadcastAppendEntries(urgent bool) []common.Effect {
	var peers []common.NodeID
	for id := range n.cluster {
		if id != n.id {
			peers = append(peers, id)
		}
	}
	return n.appendEntriesFor(urgent, peers...)
}

func (n *Node) appendEntriesFor(urgent bool, peers ...common.NodeID) []common.Effect {
	var (
		rpcs    []common.PeerRpc
		effects []common.Effect
	)
	lastIdx, _ := n.log.LastIndexTerm()
	snapIdx, _ := n.log.SnapshotIndexTerm()

	for _, peer := range peers {
		ps, ok := n.cluster[peer]
		if !ok {
			continue
		}
		prevIdx := ps.NextIndex - 1
		if prevIdx < snapIdx {
			if eff := n.snapshotEffectFor(peer); eff != nil {
				effects = append(effects, eff)
			}
			continue
		}
		prevTerm, err := n.log.FetchTerm(prevIdx)
		if err != nil {
			if eff := n.snapshotEffectFor(peer); eff != nil {
				effects = append(effects, eff)
			}
			continue
		}
		to := lastIdx
		if to > prevIdx+maxEntriesPerAppend {
			to = prevIdx + maxEntriesPerAppend
		}
		entries, err := n.log.Take(ps.NextIndex, to)
		if err != nil {
			n.logger.Error("failed to read entries for peer", zap.Error(err))
			continue
		}
		rpcs = append(rpcs, common.PeerRpc{
			Peer: peer,
			Rpc: common.AppendEntriesRPC{
				Term:         n.currentTerm,
				Leader:       n.id,
				PrevLogIndex: prevIdx,
				PrevLogTerm:  prevTerm,
				Entries:      entries,
				LeaderCommit: n.commitIndex,
			},
		})
	}
	if len(rpcs) > 0 {
		effects = append(effects, common.SendRpcsEffect{Urgent: urgent, Rpcs: rpcs})
	}
	return effects
}

func (n *Node) snapshotEffectFor(peer common.NodeID) common.Effect {
	snap, err := n.log.ReadSnapshot()
	if err != nil || snap == nil {
		n.logger.Error("peer needs a snapshot we cannot read", zap.Error(err))
		return nil
	}
	return common.SendSnapshotEffect{
		Peer: peer,
		Rpc: common.InstallSnapshotRPC{
			Term:     n.currentTerm,
			Leader:   n.id,
			Snapshot: *snap,
		},
	}
}

func (n *Node) handleAppendReply(m common.AppendEntriesRPCResult) []common.Effect {
	if m.Term != n.currentTerm {
		return nil
	}
	ps, ok := n.cluster[m.From]
	if !ok {
		n.logger.Warn("append reply from unknown peer",
			zap.String("peer", m.From.String()))
		return nil
	}

	if m.Success {
		if m.LastIndex > ps.MatchIndex {
			ps.MatchIndex = m.LastIndex
		}
		if m.NextIndex > ps.NextIndex {
			ps.NextIndex = m.NextIndex
		}
		effects := n.evaluateCommit()
		if n.role == Stopped {
			return effects
		}
		if lastIdx, _ := n.log.LastIndexTerm(); ps.NextIndex <= lastIdx {
			effects = append(effects, n.appendEntriesFor(false, m.From)...)
		}
		return effects
	}

	// reconcile next index from what the follower reported
	switch {
	case m.LastIndex >= ps.MatchIndex && n.log.Exists(m.LastIndex, m.LastTerm):
		// follower's tail is consistent with us, jump forward
		ps.MatchIndex = m.LastIndex
		ps.NextIndex = maxIndex(m.NextIndex, m.LastIndex+1)
	case m.LastIndex < ps.MatchIndex:
		// follower lost entries we thought it had; reset
		ps.MatchIndex = m.LastIndex
		ps.NextIndex = m.LastIndex + 1
	default:
		next := ps.NextIndex - 1
		if next > m.LastIndex {
			next = m.LastIndex
		}
		if next < ps.MatchIndex {
			next = ps.MatchIndex
		}
		if next < 1 {
			next = 1
		}
		ps.NextIndex = next
	}
	return n.appendEntriesFor(true, m.From)
}

func (n *Node) handleSnapshotReply(m common.InstallSnapshotRPCResult) []common.Effect {
	if m.Term != n.currentTerm || !m.Success {
		return nil
	}
	ps, ok := n.cluster[m.From]
	if !ok {
		n.logger.Warn("snapshot reply from unknown peer",
			zap.String("peer", m.From.String()))
		return nil
	}
	ps.MatchIndex = m.LastIndex
	ps.NextIndex = m.LastIndex + 1
	return n.appendEntriesFor(false, m.From)
}

func (n *Node) handleLeaderWritten(ev common.WrittenEvent) []common.Effect {
	if err := n.log.HandleEvent(ev); err != nil {
		return n.enterWalDownCondition(err)
	}
	return n.evaluateCommit()
}

// evaluateCommit advances commitIndex to the highest quorum-replicated
// index whose entry is from the current term, then applies.
func (n *Node) evaluateCommit() []common.Effect {
	lastWritten, _ := n.log.LastWritten()

	// the leader's own durable tail stands in for its match index;
	// it keeps contributing even mid-self-removal so the removal
	// entry itself can commit
	vals := []common.Index{lastWritten}
	for id, ps := range n.cluster {
		if id == n.id {
			continue
		}
		vals = append(vals, ps.MatchIndex)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] > vals[j] })

	k := n.quorumSize()
	if k > len(vals) {
		return nil
	}
	candidate := vals[k-1]
	if candidate <= n.commitIndex {
		return nil
	}
	// only entries from our own term may be committed by counting
	// replicas (Section 5.4.2)
	term, err := n.log.FetchTerm(candidate)
	if err != nil || term != n.currentTerm {
		return nil
	}
	n.commitIndex = candidate
	effects := n.applyTo(n.commitIndex)

	if _, stillIn := n.cluster[n.id]; !stillIn &&
		n.clusterIndexTerm.idx > 0 && n.clusterIndexTerm.idx <= n.commitIndex {
		n.logger.Info("removed from cluster and removal committed, stopping")
		n.role = Stopped
	}
	return effects
}

func maxIndex(a, b common.Index) common.Index {
	if a > b {
		return a
	}
	return b
}
