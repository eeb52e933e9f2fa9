package raft

import (
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
)

type prevCheck int

const (
	prevOk prevCheck = iota
	prevTermMismatch
	prevMissing
)

func (n *Node) stepFollower(msg common.Message) []common.Effect {
	switch m := msg.(type) {
	case common.AppendEntriesMessage:
		return n.handleAppendEntries(m)
	case common.RequestVoteMessage:
		return n.handleRequestVote(m)
	case common.InstallSnapshotMessage:
		return n.handleInstallSnapshot(m)
	case common.WrittenEvent:
		return n.handleWritten(m)
	case common.ResendWriteEvent:
		if err := n.log.HandleEvent(m); err != nil {
			return n.enterWalDownCondition(err)
		}
		return nil
	case common.ElectionTimeoutMessage:
		return n.becomeCandidate()
	case common.CommandMessage:
		return rejectCommand(m, n.currentTerm)
	case common.AppendEntriesRPCResult, common.RequestVoteRPCResult, common.InstallSnapshotRPCResult:
		// stale replies from an earlier leadership or candidacy
		return nil
	}
	return nil
}

func (n *Node) handleAppendEntries(m common.AppendEntriesMessage) []common.Effect {
	rpc := m.Rpc
	if rpc.Term < n.currentTerm {
		m.Respond(n.appendFailure())
		return nil
	}

	n.leaderID = &rpc.Leader
	effects := []common.Effect{common.ResetElectionTimerEffect{}}

	switch n.checkPrev(rpc.PrevLogIndex, rpc.PrevLogTerm) {
	case prevTermMismatch:
		m.Respond(n.appendFailure())
		return effects
	case prevMissing:
		m.Respond(n.appendFailure())
		n.logger.Info("log gap behind leader, awaiting catch-up",
			zap.Uint64("prevLogIndex", uint64(rpc.PrevLogIndex)))
		n.role = AwaitCondition
		n.condition = condCatchUp
		return effects
	}

	wrote, lastReceived, err := n.writeEntries(rpc.Entries, rpc.PrevLogIndex)
	if err != nil {
		m.Respond(n.appendFailure())
		return append(effects, n.enterWalDownCondition(err)...)
	}

	if lastReceived > n.commitIndex && rpc.LeaderCommit > n.commitIndex {
		n.commitIndex = minIndex(rpc.LeaderCommit, lastReceived)
	}

	if wrote == 0 {
		// heartbeat or fully duplicated entries: nothing new was
		// written; acknowledge now if everything received is already
		// durable, otherwise wait for the WAL below
		lastWritten, _ := n.log.LastWritten()
		effects = append(effects, n.applyTo(minIndex(n.commitIndex, lastWritten))...)
		if lastReceived <= lastWritten {
			m.Respond(n.appendSuccess(lastReceived))
			return effects
		}
	}

	// the success reply rides on the WAL's written notification
	n.pendingAcks = append(n.pendingAcks, pendingAck{upTo: lastReceived, respond: m.Respond})
	return effects
}

// checkPrev verifies the leader's previous-entry claim against the
// log or the snapshot boundary.
func (n *Node) checkPrev(prevIdx common.Index, prevTerm common.Term) prevCheck {
	if prevIdx == 0 {
		return prevOk
	}
	if snapIdx, snapTerm := n.log.SnapshotIndexTerm(); prevIdx == snapIdx {
		if prevTerm == snapTerm {
			return prevOk
		}
		return prevTermMismatch
	}
	term, err := n.log.FetchTerm(prevIdx)
	if err != nil {
		return prevMissing
	}
	if term != prevTerm {
		return prevTermMismatch
	}
	return prevOk
}

// writeEntries appends the subset of entries the log does not already
// hold. Returns how many were written and the highest index received.
func (n *Node) writeEntries(entries []common.LogEntry, prevIdx common.Index) (int, common.Index, error) {
	lastReceived := prevIdx
	wrote := 0
	for _, e := range entries {
		lastReceived = e.Index
		if n.log.Exists(e.Index, e.Term) {
			continue
		}
		// an existing entry with a conflicting term means everything
		// from here on is superseded
		truncate := false
		if t, err := n.log.FetchTerm(e.Index); err == nil && t != e.Term {
			truncate = true
			n.rollbackClusterIfOverwritten(e.Index)
		}
		if err := n.log.Append(e, truncate); err != nil {
			return wrote, lastReceived, err
		}
		wrote++
		if cc, ok := e.Command.(common.ClusterChangeCommand); ok {
			n.adoptClusterChange(e.Index, e.Term, cc)
		}
	}
	return wrote, lastReceived, nil
}

// handleWritten advances durability, applies committed entries and
// releases any append acknowledgements that were waiting on the WAL.
func (n *Node) handleWritten(ev common.WrittenEvent) []common.Effect {
	if err := n.log.HandleEvent(ev); err != nil {
		return n.enterWalDownCondition(err)
	}
	lastWritten, _ := n.log.LastWritten()
	effects := n.applyTo(minIndex(n.commitIndex, lastWritten))

	remaining := n.pendingAcks[:0]
	for _, ack := range n.pendingAcks {
		if ack.upTo <= lastWritten {
			ack.respond(n.appendSuccess(lastWritten))
		} else {
			remaining = append(remaining, ack)
		}
	}
	n.pendingAcks = remaining
	return effects
}

func (n *Node) handleRequestVote(m common.RequestVoteMessage) []common.Effect {
	rpc := m.Rpc
	result := common.RequestVoteRPCResult{Term: n.currentTerm, From: n.id}
	// Return false if term < currentTerm (Section 5.1)
	if rpc.Term < n.currentTerm {
		m.Respond(result)
		return nil
	}
	// Don't vote twice in one term (Section 5.2)
	if n.votedFor != nil && *n.votedFor != rpc.CandidateID {
		m.Respond(result)
		return nil
	}
	// Only vote if candidate is sufficiently up-to-date (Section 5.4)
	lastIdx, lastTerm := n.log.LastIndexTerm()
	upToDate := rpc.LastLogTerm > lastTerm ||
		(rpc.LastLogTerm == lastTerm && rpc.LastLogIndex >= lastIdx)
	if !upToDate {
		m.Respond(result)
		return nil
	}
	n.setTermAndVote(n.currentTerm, &rpc.CandidateID)
	result.VoteGranted = true
	m.Respond(result)
	n.logger.Info("granted vote",
		zap.String("candidate", rpc.CandidateID.String()),
		zap.Uint64("term", uint64(rpc.Term)))
	return []common.Effect{common.ResetElectionTimerEffect{}}
}

func (n *Node) handleInstallSnapshot(m common.InstallSnapshotMessage) []common.Effect {
	rpc := m.Rpc
	if rpc.Term < n.currentTerm {
		m.Respond(common.InstallSnapshotRPCResult{Term: n.currentTerm, From: n.id})
		return nil
	}
	snap := rpc.Snapshot
	if err := n.log.WriteSnapshot(snap); err != nil {
		n.logger.Error("failed to install snapshot", zap.Error(err))
		m.Respond(common.InstallSnapshotRPCResult{Term: n.currentTerm, From: n.id})
		return nil
	}
	n.leaderID = &rpc.Leader
	n.commitIndex = snap.Index
	n.lastApplied = snap.Index
	if n.restoreFn != nil {
		n.machineState = n.restoreFn(snap.MachineState)
	} else {
		n.machineState = n.initialMachineState
	}
	n.cluster = common.NewCluster(snap.Cluster)
	n.clusterIndexTerm = indexTerm{idx: snap.Index, term: snap.Term}
	n.prevCluster = nil
	n.logger.Info("installed snapshot",
		zap.Uint64("index", uint64(snap.Index)),
		zap.Uint64("term", uint64(snap.Term)))
	m.Respond(common.InstallSnapshotRPCResult{
		Term:      n.currentTerm,
		From:      n.id,
		Success:   true,
		LastIndex: snap.Index,
	})
	return []common.Effect{common.ResetElectionTimerEffect{}}
}

func (n *Node) appendSuccess(lastWritten common.Index) common.AppendEntriesRPCResult {
	lastIdx, lastTerm := n.log.LastIndexTerm()
	return common.AppendEntriesRPCResult{
		Term:      n.currentTerm,
		From:      n.id,
		Success:   true,
		NextIndex: lastIdx + 1,
		LastIndex: lastWritten,
		LastTerm:  lastTerm,
	}
}

func (n *Node) appendFailure() common.AppendEntriesRPCResult {
	lastIdx, lastTerm := n.log.LastIndexTerm()
	return common.AppendEntriesRPCResult{
		Term:      n.currentTerm,
		From:      n.id,
		Success:   false,
		NextIndex: lastIdx + 1,
		LastIndex: lastIdx,
		LastTerm:  lastTerm,
	}
}

func (n *Node) enterWalDownCondition(err error) []common.Effect {
	if !common.IsErrWalDown(err) {
		n.logger.Error("log backend error", zap.Error(err))
		return nil
	}
	n.logger.Warn("write-ahead log down, suspending normal processing")
	n.role = AwaitCondition
	n.condition = condWalDown
	return nil
}

func rejectCommand(m common.CommandMessage, term common.Term) []common.Effect {
	caller, mode, ok := commandCaller(m.Cmd)
	if !ok || mode == common.NotifyOnConsensus {
		return nil
	}
	return []common.Effect{common.ReplyEffect{
		To:    caller,
		Reply: common.Reply{Term: term, Err: common.NewErrNotLeader()},
	}}
}

func commandCaller(cmd common.Command) (common.Caller, common.ReplyMode, bool) {
	switch c := cmd.(type) {
	case common.UserCommand:
		return c.From, c.Mode, true
	case common.QueryCommand:
		return c.From, c.Mode, true
	case common.ClusterChangeCommand:
		return c.From, c.Mode, true
	}
	return common.Caller{}, 0, false
}

func minIndex(a, b common.Index) common.Index {
	if a < b {
		return a
	}
	return b
}
