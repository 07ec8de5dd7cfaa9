// Package storage is the engine boundary the replication core writes
// through: point reads, id-keyed upserts, catalog changes, collection
// counts, and stable-timestamp recovery. The concrete engine here is a
// versioned goleveldb store; the replication code depends only on the
// Interface.
package storage

import (
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CollectionInfo describes one collection in the catalog.
type CollectionInfo struct {
	NS      string    `bson:"ns"`
	UUID    uuid.UUID `bson:"-"`
	UUIDHex string    `bson:"uuid"`
	Options bson.Raw  `bson:"options,omitempty"`
	Count   int64     `bson:"count"`

	// DropPending collections are invisible to lookups but their data is
	// retained until reaped, so recovery can resurrect them.
	DropPending bool                `bson:"dropPending"`
	DropTS      primitive.Timestamp `bson:"dropTs,omitempty"`

	// NeedsSizeAdjustment marks collections whose counts the engine repairs
	// itself during recovery; rollback count correction skips them.
	NeedsSizeAdjustment bool `bson:"needsSizeAdjustment"`
}

// Interface is the storage contract consumed by the replication core.
type Interface interface {
	// Catalog.
	CreateCollection(ns string, id uuid.UUID, options bson.Raw) error
	DropCollection(ns string) (numRecords int64, err error)
	RenameCollection(from, to string, dropTarget bool) error
	TruncateCollection(ns string) error
	DropDatabase(db string) error
	ListDatabases() ([]string, error)
	ListCollections(db string) ([]CollectionInfo, error)
	Collection(ns string) (CollectionInfo, bool, error)
	CollectionByUUID(id uuid.UUID) (CollectionInfo, bool, error)

	// Documents. Writes are versioned at ts; reads see the newest version.
	InsertDocument(id uuid.UUID, doc bson.Raw, ts primitive.Timestamp) error
	UpsertByID(id uuid.UUID, docID bson.RawValue, doc bson.Raw, ts primitive.Timestamp) error
	DeleteByID(id uuid.UUID, docID bson.RawValue, ts primitive.Timestamp) (found bool, err error)
	FindByID(id uuid.UUID, docID bson.RawValue) (bson.Raw, bool, error)
	DeleteByFilter(id uuid.UUID, filter bson.Raw, ts primitive.Timestamp) (int64, error)

	// Counts.
	SetCollectionCount(id uuid.UUID, n int64) error
	GetCollectionCount(id uuid.UUID) (int64, error)
	CountByScan(id uuid.UUID) (int64, error)

	// Timestamps and recovery.
	SetStableTimestamp(ts primitive.Timestamp) error
	StableTimestamp() primitive.Timestamp
	SetInitialDataTimestamp(ts primitive.Timestamp)
	InitialDataTimestamp() primitive.Timestamp
	RecoverToStableTimestamp() (primitive.Timestamp, error)
	GetLastStableRecoveryTimestamp() (primitive.Timestamp, bool)

	// OplogDiskLocRegister ties oplog visibility to storage commit; the
	// engine forwards it to the registered sink.
	OplogDiskLocRegister(ts primitive.Timestamp)

	// ClearDropPendingState forgets drop-pending bookkeeping after a
	// rollback has made it stale.
	ClearDropPendingState() error
}

// SplitNS breaks "db.coll" into its parts. Collections may contain dots;
// only the first separates the database.
func SplitNS(ns string) (db, coll string) {
	i := strings.IndexByte(ns, '.')
	if i < 0 {
		return ns, ""
	}
	return ns[:i], ns[i+1:]
}

// DBOf returns the database part of a namespace.
func DBOf(ns string) string {
	db, _ := SplitNS(ns)
	return db
}
