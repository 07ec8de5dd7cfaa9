package oplog

import (
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/optime"
)

type fakeRole struct {
	mu      sync.Mutex
	primary bool
	term    int64
}

func (r *fakeRole) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primary
}

func (r *fakeRole) Term() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

func newTestWriter(t *testing.T) (*LogWriter, *Store, *fakeRole) {
	t.Helper()
	s := openTestStore(t, MinCapBytes)
	role := &fakeRole{primary: true, term: 1}
	w := NewLogWriter(s, role, nil, nil)
	w.now = func() time.Time { return time.Unix(1000, 0) }
	return w, s, role
}

func entryAt(ot optime.OpTime) Entry {
	e := testEntry(ot.TS.T, ot.TS.I, ot.Term, OpInsert, "db.c")
	return e
}

func TestWriter_ReserveMonotonic(t *testing.T) {
	w, _, _ := newTestWriter(t)
	r1, err := w.Reserve(3)
	if err != nil {
		t.Fatal(err)
	}
	slots := r1.OpTimes()
	if len(slots) != 3 {
		t.Fatalf("got %d slots", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i-1].Before(slots[i]) {
			t.Fatalf("slots not increasing: %v %v", slots[i-1], slots[i])
		}
	}
	if slots[0].TS.I != slots[1].TS.I-1 || slots[1].TS.I != slots[2].TS.I-1 {
		t.Fatalf("batch slots not contiguous: %v", slots)
	}
	r2, _ := w.Reserve(1)
	if !r1.Last().Before(r2.Last()) {
		t.Fatal("later reservation not after earlier one")
	}
	r1.Abort()
	r2.Abort()
}

func TestWriter_NotPrimary(t *testing.T) {
	w, _, role := newTestWriter(t)
	role.mu.Lock()
	role.primary = false
	role.mu.Unlock()
	if _, err := w.Reserve(1); dberr.CodeOf(err) != dberr.CodeNotPrimary {
		t.Fatalf("got %v", err)
	}
}

func TestWriter_VisibilityHoldsForEarlierSlot(t *testing.T) {
	w, s, _ := newTestWriter(t)
	r1, _ := w.Reserve(1)
	r2, _ := w.Reserve(1)

	// Committing the later reservation first must not expose its entry:
	// the earlier slot is still an open hole.
	if err := r2.Commit([]Entry{entryAt(r2.Last())}); err != nil {
		t.Fatal(err)
	}
	if got := s.VisibleTop(); !got.IsNull() {
		t.Fatalf("visible frontier advanced over a hole: %v", got)
	}
	if got := w.LastApplied(); !got.IsNull() {
		t.Fatalf("lastApplied advanced before visibility: %v", got)
	}

	if err := r1.Commit([]Entry{entryAt(r1.Last())}); err != nil {
		t.Fatal(err)
	}
	if got := s.VisibleTop(); !got.Equal(r2.Last()) {
		t.Fatalf("visible = %v, want %v", got, r2.Last())
	}
	if got := w.LastApplied(); !got.Equal(r2.Last()) {
		t.Fatalf("lastApplied = %v, want %v", got, r2.Last())
	}
}

func TestWriter_AbortedSlotLeavesTolerableGap(t *testing.T) {
	w, s, _ := newTestWriter(t)
	r1, _ := w.Reserve(1)
	r2, _ := w.Reserve(1)
	if err := r2.Commit([]Entry{entryAt(r2.Last())}); err != nil {
		t.Fatal(err)
	}
	r1.Abort()
	// The abandoned slot is skipped; the later entry becomes visible.
	if got := s.VisibleTop(); !got.Equal(r2.Last()) {
		t.Fatalf("visible = %v, want %v", got, r2.Last())
	}
}

func TestWriter_OnAdvanceCallback(t *testing.T) {
	s := openTestStore(t, MinCapBytes)
	role := &fakeRole{primary: true, term: 1}
	var mu sync.Mutex
	var seen []optime.OpTime
	w := NewLogWriter(s, role, nil, func(ot optime.OpTime) {
		mu.Lock()
		seen = append(seen, ot)
		mu.Unlock()
	})
	w.now = func() time.Time { return time.Unix(1000, 0) }

	ot, err := w.WriteEntry(func(ot optime.OpTime) Entry { return entryAt(ot) }, nil)
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !seen[0].Equal(ot) {
		t.Fatalf("advance callbacks = %v, want [%v]", seen, ot)
	}
}

func TestWriter_WriteEntryAbortsOnApplyFailure(t *testing.T) {
	w, s, _ := newTestWriter(t)
	wantErr := dberr.New(dberr.CodeWriteConflict, "boom")
	_, err := w.WriteEntry(
		func(ot optime.OpTime) Entry { return entryAt(ot) },
		func(ot optime.OpTime) error { return wantErr },
	)
	if dberr.CodeOf(err) != dberr.CodeWriteConflict {
		t.Fatalf("got %v", err)
	}
	if !s.Top().IsNull() {
		t.Fatal("aborted write still appended an entry")
	}
	// The writer keeps working past the gap.
	if _, err := w.WriteEntry(func(ot optime.OpTime) Entry { return entryAt(ot) }, nil); err != nil {
		t.Fatal(err)
	}
	if s.Top().IsNull() {
		t.Fatal("follow-up write missing")
	}
}

func TestWriter_TimestampsMonotoneAcrossTerms(t *testing.T) {
	w, _, role := newTestWriter(t)
	r1, _ := w.Reserve(1)
	if err := r1.Commit([]Entry{entryAt(r1.Last())}); err != nil {
		t.Fatal(err)
	}
	role.mu.Lock()
	role.term = 2
	role.mu.Unlock()
	r2, _ := w.Reserve(1)
	defer r2.Abort()
	if r2.Last().Term != 2 {
		t.Fatalf("slot term = %d", r2.Last().Term)
	}
	// Slots in the new term keep the timestamp sequence moving; the store
	// keys entries by timestamp alone and depends on this.
	if primitive.CompareTimestamp(r2.Last().TS, r1.Last().TS) <= 0 {
		t.Fatalf("term change regressed timestamps: %v then %v", r1.Last(), r2.Last())
	}
}

func TestWriter_NewSecondRollsIncrement(t *testing.T) {
	w, _, _ := newTestWriter(t)
	r1, _ := w.Reserve(1)
	r1.Abort()
	w.now = func() time.Time { return time.Unix(2000, 0) }
	r2, _ := w.Reserve(1)
	defer r2.Abort()
	if r2.Last().TS.T != 2000 || r2.Last().TS.I != 1 {
		t.Fatalf("new second slot = %v", r2.Last())
	}
}
