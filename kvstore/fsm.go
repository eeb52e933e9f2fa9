package kvstore

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/quorumlog/quorumlog/common"
)

type RequestType int

const (
	Get RequestType = iota
	Set
	Delete
)

// Request is the JSON command format the key-value store logs.
type Request struct {
	Type          RequestType
	Key           string
	Val           string
	TransactionId uuid.UUID
}

// State is the key-value machine state. Kept in-memory because it can
// be reliably reconstructed on restarts by replaying the log.
type State struct {
	Store map[string]string
	// Seen records applied transaction ids so retried requests are
	// not applied twice.
	Seen map[uuid.UUID]string
}

func NewState() *State {
	return &State{
		Store: make(map[string]string),
		Seen:  make(map[uuid.UUID]string),
	}
}

// Apply is the common.ApplyFn for the key-value store.
func Apply(_ common.Index, cmd []byte, machineState interface{}) common.ApplyResult {
	state, ok := machineState.(*State)
	if !ok || state == nil {
		state = NewState()
	}
	var req Request
	if err := json.Unmarshal(cmd, &req); err != nil {
		return common.ApplyResult{State: state}
	}

	if prev, seen := state.Seen[req.TransactionId]; seen {
		return common.ApplyResult{State: state, Reply: []byte(prev)}
	}

	var result string
	switch req.Type {
	case Get:
		result = state.Store[req.Key]
	case Set:
		state.Store[req.Key] = req.Val
		result = req.Val
	case Delete:
		delete(state.Store, req.Key)
	}
	state.Seen[req.TransactionId] = result
	return common.ApplyResult{State: state, Reply: []byte(result)}
}

// Snapshot serializes the machine state for release-cursor snapshots.
func Snapshot(machineState interface{}) []byte {
	state, ok := machineState.(*State)
	if !ok {
		return nil
	}
	data, _ := json.Marshal(state)
	return data
}

// Restore rebuilds machine state from snapshot bytes.
func Restore(data []byte) interface{} {
	state := NewState()
	if len(data) > 0 {
		json.Unmarshal(data, state)
	}
	return state
}
