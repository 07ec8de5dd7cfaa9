// Package initsync bootstraps an empty node from a sync source: it drops
// local data, clones every replicated collection while tailing the donor's
// oplog, then applies until the node is consistent at a stop point.
package initsync

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/oplog"
	"tidedb/optime"
)

// CollectionSpec describes one donor collection to clone.
type CollectionSpec struct {
	NS      string
	UUID    uuid.UUID
	Options bson.Raw
	Indexes []bson.Raw
}

// FCVDoc is the donor's feature-compatibility document.
type FCVDoc struct {
	Version string `bson:"version"`

	// Target is set mid-upgrade or mid-downgrade.
	Target string `bson:"targetVersion,omitempty"`
}

// OplogStream tails the donor's log.
type OplogStream interface {
	// Next blocks for the next batch. An empty batch means the donor had
	// nothing new yet.
	Next(ctx context.Context) ([]oplog.Entry, error)
	Close() error
}

// Donor is the remote node an initial sync copies from.
type Donor interface {
	Name() string
	RollbackID(ctx context.Context) (int, error)
	OplogTopOpTime(ctx context.Context) (optime.OpTime, error)

	// OldestActiveTransactionOpTime reports the start OpTime of the oldest
	// in-progress or prepared transaction, if any.
	OldestActiveTransactionOpTime(ctx context.Context) (optime.OpTime, bool, error)

	// FCV reads the feature-compatibility document no earlier than the
	// given cluster time, closing donor-side oplog holes.
	FCV(ctx context.Context, afterClusterTime primitive.Timestamp) (FCVDoc, error)

	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, db string) ([]CollectionSpec, error)
	StreamCollection(ctx context.Context, ns string, fn func(doc bson.Raw) error) error

	OpenOplogStream(ctx context.Context, from primitive.Timestamp, batchSize int) (OplogStream, error)
}

// SyncSourceSelector picks a donor for this attempt.
type SyncSourceSelector interface {
	ChooseNewSyncSource(lastFetched optime.OpTime) (Donor, error)
}
