package storage

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
)

// MetaStore keeps the node-local replication documents that must survive
// restarts independently of the data files: the rollback id counter, the
// oplog truncate-after point, the initial-sync flag and the
// feature-compatibility version. One bbolt file, one bucket.
type MetaStore struct {
	db *bolt.DB
}

var (
	bucketLocal = []byte("local")

	keyRollbackID      = []byte("rollback.id")
	keyTruncateAfter   = []byte("oplogTruncateAfterPoint")
	keyInitialSyncFlag = []byte("initialSyncActive")
	keyFCV             = []byte("featureCompatibilityVersion")
	keyMinValid        = []byte("minValid")
)

// OpenMeta opens (or creates) the metadata file at path.
func OpenMeta(path string) (*MetaStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "open meta store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocal)
		return err
	})
	if err != nil {
		db.Close()
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "init meta store", err)
	}
	return &MetaStore{db: db}, nil
}

func (m *MetaStore) Close() error { return m.db.Close() }

func (m *MetaStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLocal).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, dberr.Wrap(dberr.CodeInvalidFormat, "meta read", err)
}

func (m *MetaStore) put(key, val []byte) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put(key, val)
	})
	return dberr.Wrap(dberr.CodeInvalidFormat, "meta write", err)
}

func (m *MetaStore) delete(key []byte) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Delete(key)
	})
	return dberr.Wrap(dberr.CodeInvalidFormat, "meta delete", err)
}

// RollbackID reads the rollback counter; a fresh node reports 0.
func (m *MetaStore) RollbackID() (int64, error) {
	v, err := m.get(keyRollbackID)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// IncrementRollbackID durably bumps the counter and returns the new value.
// It is incremented exactly once per rollback, before any destructive step.
func (m *MetaStore) IncrementRollbackID() (int64, error) {
	var next int64
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocal)
		cur := int64(0)
		if v := b.Get(keyRollbackID); v != nil {
			cur = int64(binary.BigEndian.Uint64(v))
		}
		next = cur + 1
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(next))
		return b.Put(keyRollbackID, buf[:])
	})
	return next, dberr.Wrap(dberr.CodeInvalidFormat, "increment rollback id", err)
}

func encodeTS(ts primitive.Timestamp) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], ts.T)
	binary.BigEndian.PutUint32(buf[4:8], ts.I)
	return buf[:]
}

func decodeTS(v []byte) primitive.Timestamp {
	return primitive.Timestamp{
		T: binary.BigEndian.Uint32(v[0:4]),
		I: binary.BigEndian.Uint32(v[4:8]),
	}
}

// SetTruncateAfterPoint persists the timestamp after which the local oplog
// is truncated during recovery. A zero timestamp clears it.
func (m *MetaStore) SetTruncateAfterPoint(ts primitive.Timestamp) error {
	if ts.IsZero() {
		return m.delete(keyTruncateAfter)
	}
	return m.put(keyTruncateAfter, encodeTS(ts))
}

// TruncateAfterPoint reads the persisted point; ok is false when unset.
func (m *MetaStore) TruncateAfterPoint() (primitive.Timestamp, bool, error) {
	v, err := m.get(keyTruncateAfter)
	if err != nil || v == nil {
		return primitive.Timestamp{}, false, err
	}
	return decodeTS(v), true, nil
}

// SetInitialSyncFlag marks initial sync in progress. While set, the node's
// data is not self-consistent and a restart must resync from scratch.
func (m *MetaStore) SetInitialSyncFlag(active bool) error {
	if !active {
		return m.delete(keyInitialSyncFlag)
	}
	return m.put(keyInitialSyncFlag, []byte{1})
}

func (m *MetaStore) InitialSyncFlag() (bool, error) {
	v, err := m.get(keyInitialSyncFlag)
	return v != nil, err
}

// SetFCV records the feature-compatibility version string.
func (m *MetaStore) SetFCV(version string) error {
	return m.put(keyFCV, []byte(version))
}

func (m *MetaStore) FCV() (string, error) {
	v, err := m.get(keyFCV)
	return string(v), err
}

// SetMinValid records the optime the node must reach before its data is
// considered consistent. A zero timestamp clears it.
func (m *MetaStore) SetMinValid(ts primitive.Timestamp) error {
	if ts.IsZero() {
		return m.delete(keyMinValid)
	}
	return m.put(keyMinValid, encodeTS(ts))
}

func (m *MetaStore) MinValid() (primitive.Timestamp, bool, error) {
	v, err := m.get(keyMinValid)
	if err != nil || v == nil {
		return primitive.Timestamp{}, false, err
	}
	return decodeTS(v), true, nil
}
