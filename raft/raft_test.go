package raft

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/kvstore"
	"github.com/quorumlog/quorumlog/memtable"
	"github.com/quorumlog/quorumlog/metrics"
	"github.com/quorumlog/quorumlog/raftlog"
	"github.com/quorumlog/quorumlog/rpc"
	"github.com/quorumlog/quorumlog/segment"
	"github.com/quorumlog/quorumlog/wal"
)

func freeAddresses(t *testing.T, n int) []common.ServerAddress {
	t.Helper()
	addrs := make([]common.ServerAddress, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = common.ServerAddress(l.Addr().String())
		require.NoError(t, l.Close())
	}
	return addrs
}

func generateCluster(t *testing.T, n int) []common.Server {
	addrs := freeAddresses(t, n)
	servers := make([]common.Server, n)
	for i := range servers {
		servers[i] = common.Server{ID: uuid.New(), NetAddress: addrs[i]}
	}
	return servers
}

func members(servers []common.Server) []common.NodeID {
	ids := make([]common.NodeID, len(servers))
	for i, s := range servers {
		ids[i] = s.ID
	}
	return ids
}

// makeInMemCluster builds an n-node cluster over real net/rpc with
// in-memory logs.
func makeInMemCluster(t *testing.T, servers []common.Server) []*Driver {
	t.Helper()
	drivers := make([]*Driver, len(servers))
	for i, me := range servers {
		log := raftlog.NewInMemLog(nil)
		var driver *Driver
		log.SetDeliver(func(msg common.Message) {
			if driver != nil {
				driver.Enqueue(msg)
			}
		})
		node, err := Init(Config{
			ID:                  me.ID,
			Members:             members(servers),
			Log:                 log,
			Apply:               kvstore.Apply,
			InitialMachineState: kvstore.NewState(),
			RestoreMachineState: kvstore.Restore,
			Logger:              zap.NewNop(),
		})
		require.NoError(t, err)
		driver, err = NewDriver(node, log, me, servers, rpc.NewManager(), DriverConfig{
			Broadcast: 50 * time.Millisecond,
		}, metrics.NewRegistry(), zap.NewNop())
		require.NoError(t, err)
		drivers[i] = driver
		t.Cleanup(func() { driver.Stop() })
	}
	return drivers
}

func verifyElectionSafetyAndLiveness(t *testing.T, drivers []*Driver) {
	t.Helper()
	liveness := false
	for i := 0; i < 40; i++ {
		leaders := make(map[common.Term][]common.NodeID)
		for _, d := range drivers {
			if d.Role() == Leader {
				leaders[d.Term()] = append(leaders[d.Term()], d.GetID())
			}
		}
		for term, ldrs := range leaders {
			assert.LessOrEqualf(t, len(ldrs), 1, "multiple leaders for term %d", term)
			liveness = true
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, liveness, "election liveness not satisfied (no leader elected ever)")
}

func waitForLeader(t *testing.T, drivers []*Driver) *Driver {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range drivers {
			if d.Role() == Leader {
				// give followers a few heartbeats to learn about it
				time.Sleep(300 * time.Millisecond)
				return d
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func Test_SimpleElection(t *testing.T) {
	servers := generateCluster(t, 3)
	drivers := makeInMemCluster(t, servers)
	verifyElectionSafetyAndLiveness(t, drivers)
}

func Test_ClientRequestsReplicate(t *testing.T) {
	servers := generateCluster(t, 3)
	drivers := makeInMemCluster(t, servers)
	waitForLeader(t, drivers)

	store, err := kvstore.NewKeyValStore(servers, rpc.NewManager())
	require.NoError(t, err)

	_, err = store.Set("name", "quorumlog")
	require.NoError(t, err)
	_, val, err := store.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "quorumlog", val)
}

func Test_SetRetriesAreIdempotent(t *testing.T) {
	servers := generateCluster(t, 3)
	drivers := makeInMemCluster(t, servers)
	waitForLeader(t, drivers)

	store, err := kvstore.NewKeyValStore(servers, rpc.NewManager())
	require.NoError(t, err)

	id, err := store.Set("k", "v1")
	require.NoError(t, err)
	// a retried set with the same transaction id must not re-apply
	require.NoError(t, store.SetWithUUID("k", "v2", id))
	_, val, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)
}

// Test_SharedWalCluster runs all three nodes in one process against a
// single shared WAL sink, the co-located deployment the sink exists
// for.
func Test_SharedWalCluster(t *testing.T) {
	dir := t.TempDir()
	servers := generateCluster(t, 3)

	registry := memtable.NewRegistry()
	seg, err := segment.NewStore(filepath.Join(dir, "segments.db"), registry, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	sink, err := wal.NewSink(wal.Config{
		Dir:             filepath.Join(dir, "wal"),
		MaxWalSizeBytes: 1 << 20,
	}, registry, seg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(sink.Stop)

	drivers := make([]*Driver, len(servers))
	for i, me := range servers {
		meta, err := raftlog.NewMetaStore(filepath.Join(dir, fmt.Sprintf("meta-%v.db", me.ID)))
		require.NoError(t, err)

		var driver *Driver
		log, err := raftlog.OpenWalLog(me.ID, sink, registry, seg, meta,
			func(msg common.Message) {
				if driver != nil {
					driver.Enqueue(msg)
				}
			}, zap.NewNop())
		require.NoError(t, err)

		node, err := Init(Config{
			ID:                  me.ID,
			Members:             members(servers),
			Log:                 log,
			Apply:               kvstore.Apply,
			InitialMachineState: kvstore.NewState(),
			RestoreMachineState: kvstore.Restore,
			Logger:              zap.NewNop(),
		})
		require.NoError(t, err)

		driver, err = NewDriver(node, log, me, servers, rpc.NewManager(), DriverConfig{
			Broadcast: 50 * time.Millisecond,
		}, metrics.NewRegistry(), zap.NewNop())
		require.NoError(t, err)
		drivers[i] = driver
		t.Cleanup(func() { driver.Stop() })
	}

	waitForLeader(t, drivers)

	store, err := kvstore.NewKeyValStore(servers, rpc.NewManager())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, val, err := store.Get(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("val-%d", i), val)
	}

	verifyElectionSafetyAndLiveness(t, drivers[:])
}
