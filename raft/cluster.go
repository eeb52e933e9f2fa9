package raft

import (
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
)

// Membership changes take effect the moment the entry enters the log,
// not on commit: a new leader must already replicate to the new
// configuration. The old member set is retained for rollback in case
// the entry is overwritten by a conflicting term.

// stashPreviousCluster remembers the in-force member set before a new
// cluster-change entry is adopted.
func (n *Node) stashPreviousCluster() {
	n.prevCluster = &previousCluster{
		idx:     n.clusterIndexTerm.idx,
		term:    n.clusterIndexTerm.term,
		cluster: n.cluster.Clone(),
	}
}

// adoptClusterChange installs the new member set, preserving known
// replication state for members that survive the change.
func (n *Node) adoptClusterChange(idx common.Index, term common.Term, cc common.ClusterChangeCommand) {
	if n.prevCluster == nil || n.prevCluster.idx != n.clusterIndexTerm.idx {
		n.stashPreviousCluster()
	}
	fresh := make(common.Cluster, len(cc.NewCluster))
	next := n.log.NextIndex()
	for _, id := range cc.NewCluster {
		if ps, ok := n.cluster[id]; ok {
			cp := *ps
			fresh[id] = &cp
		} else {
			fresh[id] = &common.PeerState{NextIndex: next}
		}
	}
	n.cluster = fresh
	n.clusterIndexTerm = indexTerm{idx: idx, term: term}
	n.logger.Info("adopted cluster change",
		zap.Uint64("index", uint64(idx)),
		zap.Int("members", len(fresh)))
}

// rollbackClusterIfOverwritten reverts to the previous member set when
// a pending cluster-change entry is about to be overwritten by an
// entry of a different term.
func (n *Node) rollbackClusterIfOverwritten(overwriteFrom common.Index) {
	if n.prevCluster == nil {
		return
	}
	if n.clusterIndexTerm.idx < overwriteFrom {
		return
	}
	n.logger.Info("cluster change overwritten, reverting membership",
		zap.Uint64("index", uint64(n.clusterIndexTerm.idx)))
	n.cluster = n.prevCluster.cluster
	n.clusterIndexTerm = indexTerm{idx: n.prevCluster.idx, term: n.prevCluster.term}
	n.prevCluster = nil
}

// validateClusterChange permits only single-server additions or
// removals; joint consensus is not used.
func validateClusterChange(current common.Cluster, proposed []common.NodeID) error {
	proposedSet := make(map[common.NodeID]struct{}, len(proposed))
	for _, id := range proposed {
		proposedSet[id] = struct{}{}
	}
	added, removed := 0, 0
	for id := range proposedSet {
		if _, ok := current[id]; !ok {
			added++
		}
	}
	for id := range current {
		if _, ok := proposedSet[id]; !ok {
			removed++
		}
	}
	if added+removed != 1 {
		return common.NewErrInvalidClusterChange()
	}
	return nil
}
