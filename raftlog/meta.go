package raftlog

import (
	"bytes"
	"encoding/gob"

	"github.com/boltdb/bolt"

	"github.com/quorumlog/quorumlog/common"
)

var (
	metaBucketName     = []byte("meta")
	snapshotBucketName = []byte("snapshot")
	snapshotKey        = []byte("current")
)

// MetaStore holds a node's persisted metadata and snapshot in a Bolt
// database. Writes are buffered; SyncMeta makes them durable, so a
// node can batch term+vote updates behind one fsync.
type MetaStore struct {
	db *bolt.DB
}

func NewMetaStore(dataBaseFilePath string) (*MetaStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}
	// commits are made durable explicitly via Sync
	db.NoSync = true
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

func (m *MetaStore) Write(key string, value []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucketName).Put([]byte(key), value)
	})
}

// Read returns nil with no error for keys never written.
func (m *MetaStore) Read(key string) ([]byte, error) {
	var val []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucketName).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, err
}

func (m *MetaStore) Sync() error {
	return m.db.Sync()
}

func (m *MetaStore) WriteSnapshot(snap common.Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return err
	}
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucketName).Put(snapshotKey, buf.Bytes())
	})
	if err != nil {
		return err
	}
	// snapshots must never be half-persisted
	return m.db.Sync()
}

func (m *MetaStore) ReadSnapshot() (*common.Snapshot, error) {
	var snap *common.Snapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(snapshotBucketName).Get(snapshotKey)
		if val == nil {
			return nil
		}
		var s common.Snapshot
		if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&s); err != nil {
			return err
		}
		snap = &s
		return nil
	})
	return snap, err
}

func (m *MetaStore) Close() error {
	return m.db.Close()
}
