package wal

import (
	"sync"

	"github.com/quorumlog/quorumlog/common"
)

// deliveryTable maps writers to the functions that receive their WAL
// events. Registration happens from node goroutines while the sink
// loop posts, so access is guarded.
type deliveryTable struct {
	mu sync.RWMutex
	m  map[common.NodeID]func(common.Message)
}

func newDeliveryTable() *deliveryTable {
	return &deliveryTable{m: make(map[common.NodeID]func(common.Message))}
}

func (d *deliveryTable) set(writer common.NodeID, fn func(common.Message)) {
	d.mu.Lock()
	d.m[writer] = fn
	d.mu.Unlock()
}

func (d *deliveryTable) remove(writer common.NodeID) {
	d.mu.Lock()
	delete(d.m, writer)
	d.mu.Unlock()
}

func (d *deliveryTable) post(writer common.NodeID, msg common.Message) {
	d.mu.RLock()
	fn := d.m[writer]
	d.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}
