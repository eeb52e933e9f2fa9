package rpc

import (
	"net"
	"net/rpc"
	"sync"

	"github.com/quorumlog/quorumlog/common"
)

// Manager is the implementation of common.RPCManager interface using
// the golang's net/rpc package
type Manager struct {
	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

func NewManager() *Manager {
	return &Manager{}
}

func (manager *Manager) Start(address common.ServerAddress, server common.RPCServer) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("RPCServer", server); err != nil {
		return err
	}

	for {
		manager.mu.Lock()
		if manager.stopped {
			manager.mu.Unlock()
			return nil
		}
		listener, err := net.Listen("tcp", string(address))
		if err != nil {
			manager.mu.Unlock()
			return err
		}
		manager.listener = listener
		manager.mu.Unlock()
		rpcServ.Accept(listener)
		// Code can only reach this line if the listener broke, so we
		// loop and try to re-establish it unless we were stopped.
	}
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress, id common.NodeID) (common.RPCServer, error) {
	return NewPeer(address, id), nil
}

func (manager *Manager) Stop() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.stopped = true
	if manager.listener != nil {
		return manager.listener.Close()
	}
	return nil
}
