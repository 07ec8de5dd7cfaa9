// Package optime implements the term-qualified logical timestamps that key
// the oplog. An OpTime pairs a 64-bit hybrid timestamp (seconds + counter)
// with an election term; ordering is lexicographic by (term, ts).
package optime

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
)

// UninitializedTerm marks an OpTime that has not been assigned by any
// primary. The null OpTime is {Timestamp(0,0), -1}.
const UninitializedTerm int64 = -1

// OpTime is the position of an entry in the oplog.
type OpTime struct {
	TS   primitive.Timestamp `bson:"ts"`
	Term int64               `bson:"t"`
}

// Null is the unset sentinel.
var Null = OpTime{Term: UninitializedTerm}

func New(ts primitive.Timestamp, term int64) OpTime {
	return OpTime{TS: ts, Term: term}
}

// FromParts builds an OpTime from a seconds/increment pair.
func FromParts(sec, inc uint32, term int64) OpTime {
	return OpTime{TS: primitive.Timestamp{T: sec, I: inc}, Term: term}
}

func (o OpTime) IsNull() bool {
	return o.Term == UninitializedTerm && o.TS.T == 0 && o.TS.I == 0
}

// Compare returns -1, 0 or 1. Terms dominate; timestamps break ties.
func (o OpTime) Compare(other OpTime) int {
	if o.Term != other.Term {
		if o.Term < other.Term {
			return -1
		}
		return 1
	}
	return primitive.CompareTimestamp(o.TS, other.TS)
}

func (o OpTime) Before(other OpTime) bool  { return o.Compare(other) < 0 }
func (o OpTime) After(other OpTime) bool   { return o.Compare(other) > 0 }
func (o OpTime) Equal(other OpTime) bool   { return o.Compare(other) == 0 }
func (o OpTime) AtMost(other OpTime) bool  { return o.Compare(other) <= 0 }
func (o OpTime) AtLeast(other OpTime) bool { return o.Compare(other) >= 0 }

func (o OpTime) String() string {
	return fmt.Sprintf("{ts: Timestamp(%d, %d), t: %d}", o.TS.T, o.TS.I, o.Term)
}

// Next returns the smallest OpTime after o in the same term.
func (o OpTime) Next() OpTime {
	if o.TS.I == ^uint32(0) {
		return FromParts(o.TS.T+1, 0, o.Term)
	}
	return FromParts(o.TS.T, o.TS.I+1, o.Term)
}

// Marshal renders the OpTime as a BSON document {ts, t}, the embeddable
// representation used inside oplog entries.
func (o OpTime) Marshal() (bson.Raw, error) {
	b, err := bson.Marshal(o)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "marshal optime", err)
	}
	return bson.Raw(b), nil
}

// Parse reads an OpTime back from its document form. Both fields are
// required and type-checked.
func Parse(raw bson.Raw) (OpTime, error) {
	tsVal, err := raw.LookupErr("ts")
	if err != nil {
		return Null, dberr.New(dberr.CodeInvalidFormat, "optime document missing ts field")
	}
	t, i, ok := tsVal.TimestampOK()
	if !ok {
		return Null, dberr.Newf(dberr.CodeTypeMismatch, "optime ts field has type %s, expected timestamp", tsVal.Type)
	}
	termVal, err := raw.LookupErr("t")
	if err != nil {
		return Null, dberr.New(dberr.CodeInvalidFormat, "optime document missing t field")
	}
	term, ok := termVal.Int64OK()
	if !ok {
		return Null, dberr.Newf(dberr.CodeTypeMismatch, "optime t field has type %s, expected int64", termVal.Type)
	}
	return FromParts(t, i, term), nil
}

// Max returns the later of a and b.
func Max(a, b OpTime) OpTime {
	if a.After(b) {
		return a
	}
	return b
}

// Min returns the earlier of a and b.
func Min(a, b OpTime) OpTime {
	if a.Before(b) {
		return a
	}
	return b
}
