package raft

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/metrics"
)

// DriverConfig tunes the driver's timers.
type DriverConfig struct {
	// Broadcast is the expected time to reach every peer; election
	// timeouts and heartbeats derive from it.
	Broadcast             time.Duration
	AwaitConditionTimeout time.Duration
	MailboxSize           int
}

const defaultAwaitConditionTimeout = 30 * time.Second

// Driver runs one node as a cooperative actor: it owns the mailbox,
// arms timers, dispatches peer RPCs and executes the effects the state
// machine hands back. It is also the node's RPC surface.
type Driver struct {
	node    *Node
	log     common.LogBackend
	cfg     DriverConfig
	manager common.RPCManager
	metrics *metrics.Registry
	logger  *zap.Logger

	peersMu sync.RWMutex
	peers   map[common.NodeID]common.RPCServer

	mailbox  chan common.Message
	pending  []common.Message
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	electionTimer *time.Timer
	heartbeat     *time.Ticker
	awaitTimer    *time.Timer

	monitorsMu sync.Mutex
	monitors   map[interface{}]struct{}

	// observed state, mirrored out of the loop after every step so
	// RPC goroutines and tests never touch the node directly
	stateMu sync.Mutex
	role    Role
	term    common.Term
	leader  *common.NodeID

	callerSeq uint64
}

// Role returns the node's last observed role.
func (d *Driver) Role() Role {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.role
}

// Term returns the node's last observed term.
func (d *Driver) Term() common.Term {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.term
}

// LeaderHint returns the last leader the node heard from, if any.
func (d *Driver) LeaderHint() *common.NodeID {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.leader
}

func (d *Driver) mirrorState() {
	d.stateMu.Lock()
	d.role = d.node.Role()
	d.term = d.node.Term()
	d.leader = d.node.Leader()
	d.stateMu.Unlock()
}

var _ common.RPCServer = (*Driver)(nil)

// NewDriver wires the node to its peers and starts the dispatch loop
// and the RPC listener.
func NewDriver(
	node *Node,
	log common.LogBackend,
	me common.Server,
	cluster []common.Server,
	manager common.RPCManager,
	cfg DriverConfig,
	reg *metrics.Registry,
	logger *zap.Logger,
) (*Driver, error) {
	if cfg.Broadcast == 0 {
		cfg.Broadcast = 50 * time.Millisecond
	}
	if cfg.AwaitConditionTimeout == 0 {
		cfg.AwaitConditionTimeout = defaultAwaitConditionTimeout
	}
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		node:     node,
		log:      log,
		cfg:      cfg,
		manager:  manager,
		metrics:  reg,
		logger:   logger.With(zap.String("node", node.ID().String())),
		peers:    make(map[common.NodeID]common.RPCServer),
		mailbox:  make(chan common.Message, cfg.MailboxSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		monitors: make(map[interface{}]struct{}),
	}

	for _, server := range cluster {
		if server.ID == node.ID() {
			continue
		}
		peer, err := manager.ConnectToPeer(server.NetAddress, server.ID)
		if err != nil {
			return nil, err
		}
		d.peers[server.ID] = peer
	}

	d.electionTimer = time.NewTimer(d.electionTimeout(Follower))
	d.heartbeat = time.NewTicker(cfg.Broadcast)
	d.awaitTimer = time.NewTimer(cfg.AwaitConditionTimeout)
	if !d.awaitTimer.Stop() {
		<-d.awaitTimer.C
	}

	d.mirrorState()
	go d.run()
	if manager != nil {
		go func() {
			if err := manager.Start(me.NetAddress, d); err != nil {
				d.logger.Error("failed to start RPC server", zap.Error(err))
			}
		}()
	}
	return d, nil
}

// Enqueue posts a message into the node's mailbox. Safe to call from
// any goroutine, including the WAL sink's delivery path; a full
// mailbox drops the message rather than stall the caller.
func (d *Driver) Enqueue(msg common.Message) {
	select {
	case d.mailbox <- msg:
	case <-d.stopCh:
	default:
		d.logger.Warn("mailbox full, dropping message")
	}
}

func (d *Driver) run() {
	defer close(d.done)
	for {
		var msg common.Message
		if len(d.pending) > 0 {
			msg = d.pending[0]
			d.pending = d.pending[1:]
		} else {
			select {
			case <-d.stopCh:
				return
			case msg = <-d.mailbox:
			case <-d.electionTimer.C:
				msg = common.ElectionTimeoutMessage{}
			case <-d.heartbeat.C:
				msg = common.HeartbeatTimeoutMessage{}
			case <-d.awaitTimer.C:
				msg = common.AwaitConditionTimeoutMessage{}
			}
		}

		before := d.node.Role()
		effects := d.node.Step(msg)
		d.execute(effects)
		d.mirrorState()
		after := d.node.Role()
		if after != before {
			d.armTimers(after)
		}
		if after == Stopped {
			d.logger.Info("node stopped")
			return
		}
	}
}

func (d *Driver) execute(effects []common.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case common.ReplyEffect:
			e.To.Deliver(e.Reply)
		case common.NotifyEffect:
			e.To.Deliver(e.Value)
		case common.SendRpcsEffect:
			for _, pr := range e.Rpcs {
				pr := pr
				go d.sendAppendEntries(pr)
			}
		case common.SendVoteRequestsEffect:
			for _, req := range e.Requests {
				req := req
				go d.sendRequestVote(req)
			}
		case common.SendSnapshotEffect:
			go d.sendInstallSnapshot(e)
		case common.SendMsgEffect:
			d.logger.Debug("dropping unroutable message effect",
				zap.String("target", e.Target.String()))
		case common.MonitorEffect:
			d.monitorsMu.Lock()
			d.monitors[e.Pid] = struct{}{}
			d.monitorsMu.Unlock()
		case common.DemonitorEffect:
			d.monitorsMu.Lock()
			delete(d.monitors, e.Pid)
			d.monitorsMu.Unlock()
		case common.NextEventEffect:
			d.pending = append(d.pending, e.Msg)
		case common.IncrMetricsEffect:
			if d.metrics != nil {
				ring := d.metrics.Ring(e.Table, 64)
				for _, delta := range e.Deltas {
					ring.Incr(delta.Position, delta.Delta)
				}
			}
		case common.ReleaseCursorEffect:
			if err := d.log.UpdateReleaseCursor(e.Index); err != nil {
				d.logger.Warn("failed to update release cursor", zap.Error(err))
			}
		case common.ResetElectionTimerEffect:
			d.resetElectionTimer(d.node.Role())
		}
	}
}

func (d *Driver) sendAppendEntries(pr common.PeerRpc) {
	peer := d.peer(pr.Peer)
	if peer == nil {
		return
	}
	var res common.AppendEntriesRPCResult
	if err := peer.AppendEntries(&pr.Rpc, &res); err != nil {
		d.logger.Debug("error on AppendEntries RPC", zap.Error(err))
		return
	}
	d.Enqueue(res)
}

func (d *Driver) sendRequestVote(req common.PeerVoteRequest) {
	peer := d.peer(req.Peer)
	if peer == nil {
		return
	}
	var res common.RequestVoteRPCResult
	if err := peer.RequestVote(&req.Rpc, &res); err != nil {
		d.logger.Debug("error requesting vote from peer", zap.Error(err))
		return
	}
	d.Enqueue(res)
}

func (d *Driver) sendInstallSnapshot(e common.SendSnapshotEffect) {
	peer := d.peer(e.Peer)
	if peer == nil {
		return
	}
	var res common.InstallSnapshotRPCResult
	if err := peer.InstallSnapshot(&e.Rpc, &res); err != nil {
		d.logger.Debug("error on InstallSnapshot RPC", zap.Error(err))
		return
	}
	d.Enqueue(res)
}

func (d *Driver) peer(id common.NodeID) common.RPCServer {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	return d.peers[id]
}

// armTimers adjusts timers after a role change.
func (d *Driver) armTimers(role Role) {
	switch role {
	case Follower, Candidate:
		d.resetElectionTimer(role)
		d.disarmAwaitTimer()
	case Leader:
		d.disarmAwaitTimer()
	case AwaitCondition:
		// the election timer keeps running so a dead leader is still
		// noticed while parked
		d.resetElectionTimer(Follower)
		if !d.awaitTimer.Stop() {
			select {
			case <-d.awaitTimer.C:
			default:
			}
		}
		d.awaitTimer.Reset(d.cfg.AwaitConditionTimeout)
	}
}

func (d *Driver) resetElectionTimer(role Role) {
	if !d.electionTimer.Stop() {
		select {
		case <-d.electionTimer.C:
		default:
		}
	}
	d.electionTimer.Reset(d.electionTimeout(role))
}

func (d *Driver) disarmAwaitTimer() {
	if !d.awaitTimer.Stop() {
		select {
		case <-d.awaitTimer.C:
		default:
		}
	}
}

// electionTimeout randomizes within the role's window: followers wait
// 2 broadcasts plus uniform(1..4), candidates 4 plus uniform(1..4).
func (d *Driver) electionTimeout(role Role) time.Duration {
	b := d.cfg.Broadcast
	base := 2 * b
	if role == Candidate {
		base = 4 * b
	}
	spread := float64(b) + rand.Float64()*float64(3*b)
	return base + time.Duration(spread)
}

// Stop shuts the driver down. No method should be called on a stopped
// driver.
func (d *Driver) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
		d.heartbeat.Stop()
		d.electionTimer.Stop()
		d.awaitTimer.Stop()
		var managerErr error
		if d.manager != nil {
			managerErr = d.manager.Stop()
		}
		err = multierr.Combine(managerErr, d.log.Close())
	})
	return err
}
