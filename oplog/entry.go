// Package oplog implements the replication log: the entry wire format, the
// capped store keyed by OpTime, and the primary-side writer that reserves
// OpTime slots and publishes lastApplied.
package oplog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/optime"
)

// OpType is the single-letter operation tag carried in the "op" field.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpUpdate, OpDelete, OpCommand, OpNoop:
		return true
	}
	return false
}

// Entry is one record of the replication log. Field names are part of the
// replication contract; they are read by peers of other versions.
type Entry struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      int64               `bson:"t"`
	Version   int32               `bson:"v"`
	Operation OpType              `bson:"op"`
	Namespace string              `bson:"ns"`
	UUID      *primitive.Binary   `bson:"ui,omitempty"`
	Object    bson.Raw            `bson:"o"`
	Object2   bson.Raw            `bson:"o2,omitempty"`
	Wall      time.Time           `bson:"wall"`

	// Upsert is the update entry's "b" flag.
	Upsert *bool `bson:"b,omitempty"`

	// Session and transaction linkage.
	LSID       bson.Raw       `bson:"lsid,omitempty"`
	TxnNumber  *int64         `bson:"txnNumber,omitempty"`
	StmtID     *int32         `bson:"stmtId,omitempty"`
	PrevOpTime *optime.OpTime `bson:"prevOpTime,omitempty"`

	// Transaction phase flags.
	PartialTxn *bool `bson:"partialTxn,omitempty"`
	Prepare    *bool `bson:"prepare,omitempty"`
	InTxn      *bool `bson:"inTxn,omitempty"`
}

const entryVersion int32 = 2

// DeadEndSentinelStmtID marks an entry standing in for truncated history.
// Traversing past it raises IncompleteTransactionHistory.
const DeadEndSentinelStmtID int32 = -1

// OpTime returns the entry's position in the log.
func (e *Entry) OpTime() optime.OpTime {
	return optime.New(e.Timestamp, e.Term)
}

// CollectionUUID decodes the ui field. The second return is false when the
// entry carries no collection identity (noops, some commands).
func (e *Entry) CollectionUUID() (uuid.UUID, bool) {
	if e.UUID == nil || len(e.UUID.Data) != 16 {
		return uuid.UUID{}, false
	}
	var u uuid.UUID
	copy(u[:], e.UUID.Data)
	return u, true
}

// BinaryUUID renders a collection id in the form entries carry.
func BinaryUUID(u uuid.UUID) *primitive.Binary {
	return &primitive.Binary{Subtype: 0x04, Data: u[:]}
}

// CommandName returns the first field of the o document for command entries,
// empty otherwise.
func (e *Entry) CommandName() string {
	if e.Operation != OpCommand || len(e.Object) == 0 {
		return ""
	}
	elems, err := e.Object.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// IsPartialTxn reports whether the entry is a non-terminal piece of a
// multi-entry transaction.
func (e *Entry) IsPartialTxn() bool { return e.PartialTxn != nil && *e.PartialTxn }

// IsPrepare reports whether the entry durably records intent to commit.
func (e *Entry) IsPrepare() bool { return e.Prepare != nil && *e.Prepare }

// IsTransactional reports whether the entry belongs to a session transaction
// chain (as opposed to a plain retryable write).
func (e *Entry) IsTransactional() bool {
	if e.LSID == nil || e.TxnNumber == nil {
		return false
	}
	if e.IsPartialTxn() || e.IsPrepare() {
		return true
	}
	switch e.CommandName() {
	case "applyOps", "commitTransaction", "abortTransaction", "prepareTransaction":
		return true
	}
	return false
}

// IsCommit reports a terminal commit of a prepared transaction.
func (e *Entry) IsCommit() bool { return e.CommandName() == "commitTransaction" }

// IsAbort reports a terminal abort of a prepared transaction.
func (e *Entry) IsAbort() bool { return e.CommandName() == "abortTransaction" }

// DocumentID extracts the _id the entry targets: the o document's _id for
// inserts and deletes, the o2 criteria's _id for updates.
func (e *Entry) DocumentID() (bson.RawValue, bool) {
	var src bson.Raw
	switch e.Operation {
	case OpInsert, OpDelete:
		src = e.Object
	case OpUpdate:
		src = e.Object2
	default:
		return bson.RawValue{}, false
	}
	if len(src) == 0 {
		return bson.RawValue{}, false
	}
	v, err := src.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// Marshal renders the entry to its BSON wire form. Raw subdocuments are
// validated first; the driver does not tolerate malformed bson.Raw values.
func (e *Entry) Marshal() ([]byte, error) {
	for _, r := range []bson.Raw{e.Object, e.Object2, e.LSID} {
		if len(r) > 0 {
			if err := r.Validate(); err != nil {
				return nil, dberr.Wrap(dberr.CodeInvalidFormat, "marshal oplog entry", err)
			}
		}
	}
	b, err := bson.Marshal(e)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "marshal oplog entry", err)
	}
	return b, nil
}

// ParseEntry decodes an entry from its BSON wire form, validating required
// fields.
func ParseEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := bson.Unmarshal(raw, &e); err != nil {
		return Entry{}, dberr.Wrap(dberr.CodeInvalidFormat, "parse oplog entry", err)
	}
	if !e.Operation.Valid() {
		return Entry{}, dberr.Newf(dberr.CodeInvalidFormat, "unknown op type %q", string(e.Operation))
	}
	if e.Timestamp.IsZero() {
		return Entry{}, dberr.New(dberr.CodeInvalidFormat, "oplog entry missing ts")
	}
	return e, nil
}

// SizeBytes is the entry's storage footprint, used by batch and cap budgets.
func (e Entry) SizeBytes() int {
	b, err := e.Marshal()
	if err != nil {
		return 0
	}
	return len(b)
}

func (e *Entry) String() string {
	return fmt.Sprintf("{%v %s %s}", e.OpTime(), e.Operation, e.Namespace)
}

// NewNoop builds a noop entry; noops advance OpTime without touching data.
func NewNoop(ot optime.OpTime, msg string) Entry {
	o, _ := bson.Marshal(bson.D{{Key: "msg", Value: msg}})
	return Entry{
		Timestamp: ot.TS,
		Term:      ot.Term,
		Version:   entryVersion,
		Operation: OpNoop,
		Object:    o,
		Wall:      time.Now().UTC(),
	}
}

// boolPtr, intPtrs: small helpers for optional entry fields.
func BoolPtr(b bool) *bool    { return &b }
func Int32Ptr(v int32) *int32 { return &v }
func Int64Ptr(v int64) *int64 { return &v }
