package raft

import (
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
)

// applyBatchSize bounds one fetch from the log during apply.
const applyBatchSize = 64

// applyTo applies entries up to target against the user state machine
// and returns the resulting effects. Reply and notify effects are
// emitted only on the leader; every role emits metric increments and
// the release-cursor hint.
func (n *Node) applyTo(target common.Index) []common.Effect {
	var effects []common.Effect
	applied := 0

	for n.lastApplied < target {
		to := target
		if to > n.lastApplied+applyBatchSize {
			to = n.lastApplied + applyBatchSize
		}
		batch, err := n.log.Take(n.lastApplied+1, to)
		if err != nil {
			n.logger.Error("failed to fetch entries for apply", zap.Error(err))
			break
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			effects = append(effects, n.applyEntry(e)...)
			n.lastApplied = e.Index
			applied++
		}
	}

	if applied > 0 {
		effects = append(effects,
			common.IncrMetricsEffect{
				Table:  "raft",
				Deltas: []common.MetricDelta{{Position: 0, Delta: int64(applied)}},
			},
			common.ReleaseCursorEffect{
				Index:        n.lastApplied,
				MachineState: n.machineState,
			},
		)
	}
	return effects
}

func (n *Node) applyEntry(e common.LogEntry) []common.Effect {
	var effects []common.Effect
	switch cmd := e.Command.(type) {
	case common.UserCommand:
		res := n.applyFn(e.Index, cmd.Payload, n.machineState)
		if res.State != nil {
			n.machineState = res.State
		}
		effects = append(effects, res.SideEffects...)
		if n.role == Leader {
			reply := common.Reply{Index: e.Index, Term: e.Term, Value: res.Reply}
			switch cmd.Mode {
			case common.AwaitConsensus:
				effects = append(effects, common.ReplyEffect{To: cmd.From, Reply: reply})
			case common.NotifyOnConsensus:
				effects = append(effects, common.NotifyEffect{To: cmd.From, Value: reply})
			}
		}
	case common.QueryCommand:
		if n.role != Leader {
			break
		}
		val, ok := cmd.Eval(n.machineState)
		if !ok {
			// the query function did not survive serialization; the
			// caller is gone too
			break
		}
		reply := common.Reply{Index: e.Index, Term: e.Term, Value: val}
		if cmd.Mode == common.NotifyOnConsensus {
			effects = append(effects, common.NotifyEffect{To: cmd.From, Value: reply})
		} else {
			effects = append(effects, common.ReplyEffect{To: cmd.From, Reply: reply})
		}
	case common.ClusterChangeCommand:
		n.clusterChangePermitted = true
		if n.role == Leader {
			reply := common.Reply{Index: e.Index, Term: e.Term}
			switch cmd.Mode {
			case common.AwaitConsensus:
				effects = append(effects, common.ReplyEffect{To: cmd.From, Reply: reply})
			case common.NotifyOnConsensus:
				effects = append(effects, common.NotifyEffect{To: cmd.From, Value: reply})
			}
			if len(n.pendingClusterChanges) > 0 {
				next := n.pendingClusterChanges[0]
				n.pendingClusterChanges = n.pendingClusterChanges[1:]
				effects = append(effects, common.NextEventEffect{
					Msg: common.CommandMessage{Cmd: next},
				})
			}
		}
	case common.NoopCommand:
		if e.Term == n.currentTerm {
			n.clusterChangePermitted = true
			// a change proposed before the term boundary committed
			// has been waiting on this noop
			if n.role == Leader && len(n.pendingClusterChanges) > 0 {
				next := n.pendingClusterChanges[0]
				n.pendingClusterChanges = n.pendingClusterChanges[1:]
				effects = append(effects, common.NextEventEffect{
					Msg: common.CommandMessage{Cmd: next},
				})
			}
		}
	}
	return effects
}
