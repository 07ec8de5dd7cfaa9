package optime

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"tidedb/dberr"
)

func TestCompare_TermDominates(t *testing.T) {
	a := FromParts(100, 0, 1)
	b := FromParts(10, 0, 2)
	if !a.Before(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if !b.After(a) {
		t.Fatalf("expected %v > %v", b, a)
	}
}

func TestCompare_TimestampBreaksTies(t *testing.T) {
	a := FromParts(10, 1, 3)
	b := FromParts(10, 2, 3)
	c := FromParts(11, 0, 3)
	if !a.Before(b) || !b.Before(c) {
		t.Fatalf("ordering broken: %v %v %v", a, b, c)
	}
	if !a.Equal(FromParts(10, 1, 3)) {
		t.Fatal("equal optimes compare unequal")
	}
}

func TestNull(t *testing.T) {
	if !Null.IsNull() {
		t.Fatal("Null sentinel not null")
	}
	if FromParts(0, 0, 0).IsNull() {
		t.Fatal("term 0 optime must not be null")
	}
	if FromParts(1, 0, UninitializedTerm).IsNull() {
		t.Fatal("non-zero timestamp must not be null")
	}
}

func TestNext(t *testing.T) {
	o := FromParts(5, 3, 1)
	n := o.Next()
	if !o.Before(n) {
		t.Fatalf("Next did not advance: %v -> %v", o, n)
	}
	// Increment overflow rolls into the seconds component.
	o = FromParts(5, ^uint32(0), 1)
	n = o.Next()
	if n.TS.T != 6 || n.TS.I != 0 {
		t.Fatalf("overflow Next = %v", n)
	}
}

func TestRoundTrip(t *testing.T) {
	orig := FromParts(1234567, 42, 9)
	raw, err := orig.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(orig) {
		t.Fatalf("round trip mismatch: %v != %v", got, orig)
	}
}

func TestParse_MissingFields(t *testing.T) {
	doc, _ := bson.Marshal(bson.D{{Key: "t", Value: int64(1)}})
	if _, err := Parse(doc); dberr.CodeOf(err) != dberr.CodeInvalidFormat {
		t.Fatalf("missing ts: got %v", err)
	}
	doc, _ = bson.Marshal(bson.D{{Key: "ts", Value: "not-a-timestamp"}, {Key: "t", Value: int64(1)}})
	if _, err := Parse(doc); dberr.CodeOf(err) != dberr.CodeTypeMismatch {
		t.Fatalf("wrong ts type: got %v", err)
	}
	doc, _ = bson.Marshal(bson.D{{Key: "ts", Value: bson.D{}}})
	if _, err := Parse(doc); dberr.CodeOf(err) == dberr.CodeNone {
		t.Fatalf("expected coded error, got %v", err)
	}
}

func TestMaxMin(t *testing.T) {
	a := FromParts(1, 0, 1)
	b := FromParts(2, 0, 1)
	if Max(a, b) != b || Min(a, b) != a {
		t.Fatal("Max/Min wrong")
	}
}
