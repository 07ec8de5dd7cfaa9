package session

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/optime"
	"tidedb/storage"
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

type recApplier struct {
	ops      []Op
	effectTS primitive.Timestamp
	calls    int
	fail     error
}

func (a *recApplier) ApplyTxnOps(ops []Op, effectTS primitive.Timestamp) error {
	if a.fail != nil {
		return a.fail
	}
	a.ops = append([]Op(nil), ops...)
	a.effectTS = effectTS
	a.calls++
	return nil
}

type fixture struct {
	store *storage.Engine
	log   *oplog.Store
	w     *oplog.LogWriter
	table *Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "data"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	log, err := oplog.OpenStore(filepath.Join(dir, "oplog"), oplog.StoreOptions{SizeBytes: oplog.MinCapBytes})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	role := &fakeRole{primary: true, term: 1}
	w := oplog.NewLogWriter(log, role, nil, nil)
	table, err := NewTable(st, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: st, log: log, w: w, table: table}
}

func mustDoc(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func insertEntry(t *testing.T, f *fixture, doc bson.Raw) func(ot optime.OpTime) oplog.Entry {
	t.Helper()
	return func(ot optime.OpTime) oplog.Entry {
		return oplog.Entry{
			Timestamp: ot.TS,
			Term:      ot.Term,
			Operation: oplog.OpInsert,
			Namespace: "db.users",
			Object:    doc,
			Wall:      time.Unix(1000, 0).UTC(),
		}
	}
}

func noApply(optime.OpTime) error { return nil }

func TestIDDocRoundTrip(t *testing.T) {
	sid := uuid.New()
	got, err := ParseID(IDDoc(sid))
	if err != nil {
		t.Fatal(err)
	}
	if got != sid {
		t.Fatalf("ParseID = %s, want %s", got, sid)
	}
	if _, err := ParseID(mustDoc(t, bson.D{{Key: "other", Value: 1}})); dberr.CodeOf(err) != dberr.CodeInvalidFormat {
		t.Fatalf("missing id: %v", err)
	}
}

func TestBeginOrContinue(t *testing.T) {
	f := newFixture(t)
	p, err := f.table.Checkout(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	if err := p.BeginOrContinue(5, false); err != nil {
		t.Fatal(err)
	}
	if err := p.BeginOrContinue(5, false); err != nil {
		t.Fatalf("continue same number: %v", err)
	}
	if err := p.BeginOrContinue(4, false); dberr.CodeOf(err) != dberr.CodeTransactionTooOld {
		t.Fatalf("stale number: %v", err)
	}
	if err := p.BeginOrContinue(6, true); err != nil {
		t.Fatal(err)
	}
	if p.State() != TxnInProgress {
		t.Fatalf("state = %v, want inProgress", p.State())
	}
}

func TestRetryableWriteDedup(t *testing.T) {
	f := newFixture(t)
	sid := uuid.New()
	p, err := f.table.Checkout(sid)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(1, false); err != nil {
		t.Fatal(err)
	}

	doc := mustDoc(t, bson.D{{Key: "_id", Value: int32(7)}})
	applies := 0
	ot1, replayed, err := p.RetryableWrite(f.w, 0, insertEntry(t, f, doc), func(optime.OpTime) error {
		applies++
		return nil
	})
	if err != nil || replayed {
		t.Fatalf("first write: ot=%v replayed=%v err=%v", ot1, replayed, err)
	}

	// The retry replays the recorded outcome without touching storage or
	// the log.
	top := f.log.Top()
	ot2, replayed, err := p.RetryableWrite(f.w, 0, insertEntry(t, f, doc), func(optime.OpTime) error {
		applies++
		return nil
	})
	if err != nil || !replayed || !ot2.Equal(ot1) {
		t.Fatalf("retry: ot=%v replayed=%v err=%v", ot2, replayed, err)
	}
	if applies != 1 {
		t.Fatalf("apply ran %d times", applies)
	}
	if got := f.log.Top(); !got.Equal(top) {
		t.Fatal("retry appended a new entry")
	}
}

func TestDedupSurvivesRestartViaChain(t *testing.T) {
	f := newFixture(t)
	sid := uuid.New()
	p, err := f.table.Checkout(sid)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.BeginOrContinue(3, false); err != nil {
		t.Fatal(err)
	}
	doc := mustDoc(t, bson.D{{Key: "_id", Value: int32(1)}})
	ot1, _, err := p.RetryableWrite(f.w, 10, insertEntry(t, f, doc), noApply)
	if err != nil {
		t.Fatal(err)
	}
	ot2, _, err := p.RetryableWrite(f.w, 11, insertEntry(t, f, doc), noApply)
	if err != nil {
		t.Fatal(err)
	}
	p.Release()

	// A fresh table has no cache; dedup works through the prevOpTime chain.
	table2, err := NewTable(f.store, f.log, nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := table2.Checkout(sid)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Release()
	if p2.TxnNumber() != 3 || !p2.LastWriteOpTime().Equal(ot2) {
		t.Fatalf("restored participant: txnNum=%d lastWrite=%v", p2.TxnNumber(), p2.LastWriteOpTime())
	}
	got, ok, err := p2.CheckStatementExecuted(10)
	if err != nil || !ok || !got.Equal(ot1) {
		t.Fatalf("stmt 10: ot=%v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := p2.CheckStatementExecuted(99); err != nil || ok {
		t.Fatalf("stmt 99: ok=%v err=%v", ok, err)
	}
}

func TestDeadEndSentinelRaisesIncompleteHistory(t *testing.T) {
	f := newFixture(t)
	sid := uuid.New()

	// An initial-sync style dead-end stands in for truncated history.
	deadEnd := oplog.Entry{
		Timestamp: primitive.Timestamp{T: 100, I: 1},
		Term:      1,
		Operation: oplog.OpNoop,
		Namespace: "",
		Object:    mustDoc(t, bson.D{{Key: "msg", Value: "incomplete history"}}),
		Wall:      time.Unix(1000, 0).UTC(),
		LSID:      IDDoc(sid),
		TxnNumber: oplog.Int64Ptr(2),
		StmtID:    oplog.Int32Ptr(oplog.DeadEndSentinelStmtID),
	}
	null := optime.Null
	deadEnd.PrevOpTime = &null
	if err := f.log.Append(deadEnd); err != nil {
		t.Fatal(err)
	}

	p, err := f.table.Checkout(sid)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(2, false); err != nil {
		t.Fatal(err)
	}
	p.lastWrite = deadEnd.OpTime()
	if _, _, err := p.CheckStatementExecuted(0); dberr.CodeOf(err) != dberr.CodeIncompleteTransactionHistory {
		t.Fatalf("sentinel traversal: %v", err)
	}
}

func TestUnpreparedCommit(t *testing.T) {
	f := newFixture(t)
	p, err := f.table.Checkout(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(1, true); err != nil {
		t.Fatal(err)
	}
	u := oplog.BinaryUUID(uuid.New())
	for i := int32(0); i < 2; i++ {
		op := Op{
			Operation: oplog.OpInsert,
			Namespace: "db.users",
			UUID:      u,
			Object:    mustDoc(t, bson.D{{Key: "_id", Value: i}}),
		}
		if err := p.AddOperation(op); err != nil {
			t.Fatal(err)
		}
	}

	applier := &recApplier{}
	ot, err := p.CommitUnprepared(f.w, applier)
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != TxnCommitted {
		t.Fatalf("state = %v", p.State())
	}
	if applier.calls != 1 || len(applier.ops) != 2 {
		t.Fatalf("applier: calls=%d ops=%d", applier.calls, len(applier.ops))
	}
	if applier.effectTS != ot.TS {
		t.Fatalf("effect ts %v, entry ts %v", applier.effectTS, ot.TS)
	}

	e, ok, err := f.log.EntryAt(ot.TS)
	if err != nil || !ok {
		t.Fatalf("commit entry: ok=%v err=%v", ok, err)
	}
	if e.Operation != oplog.OpCommand || e.IsPartialTxn() || e.IsPrepare() {
		t.Fatalf("commit entry flags wrong: %+v", e)
	}
	ops, err := CollectTxnOps(f.log, e)
	if err != nil || len(ops) != 2 {
		t.Fatalf("collect: %d ops, err=%v", len(ops), err)
	}
	if ops[0].Namespace != "db.users" || ops[0].Operation != oplog.OpInsert {
		t.Fatalf("collected op: %+v", ops[0])
	}
}

func TestPrepareThenCommitWithLaterTimestamp(t *testing.T) {
	f := newFixture(t)
	p, err := f.table.Checkout(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(1, true); err != nil {
		t.Fatal(err)
	}
	op := Op{
		Operation: oplog.OpInsert,
		Namespace: "db.users",
		Object:    mustDoc(t, bson.D{{Key: "_id", Value: int32(1)}}),
	}
	if err := p.AddOperation(op); err != nil {
		t.Fatal(err)
	}

	applier := &recApplier{}
	prepOT, err := p.Prepare(f.w)
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != TxnPrepared || applier.calls != 0 {
		t.Fatalf("after prepare: state=%v calls=%d", p.State(), applier.calls)
	}
	pe, ok, err := f.log.EntryAt(prepOT.TS)
	if err != nil || !ok || !pe.IsPrepare() {
		t.Fatalf("prepare entry: ok=%v prepare=%v err=%v", ok, pe.IsPrepare(), err)
	}

	// Committing below the prepare point is rejected.
	early := primitive.Timestamp{T: prepOT.TS.T - 1, I: 0}
	if _, err := p.CommitPrepared(f.w, early, applier); dberr.CodeOf(err) != dberr.CodeInvalidFormat {
		t.Fatalf("early commit ts: %v", err)
	}

	// Effects land at the commit timestamp, not the commit entry's OpTime.
	commitTS := primitive.Timestamp{T: prepOT.TS.T, I: prepOT.TS.I + 1}
	commitOT, err := p.CommitPrepared(f.w, commitTS, applier)
	if err != nil {
		t.Fatal(err)
	}
	if applier.calls != 1 || applier.effectTS != commitTS {
		t.Fatalf("effects at %v, want %v", applier.effectTS, commitTS)
	}
	if primitive.CompareTimestamp(commitOT.TS, commitTS) <= 0 {
		t.Fatalf("commit entry slot %v not past commit timestamp %v", commitOT.TS, commitTS)
	}
	ce, ok, err := f.log.EntryAt(commitOT.TS)
	if err != nil || !ok || !ce.IsCommit() {
		t.Fatalf("commit entry: ok=%v err=%v", ok, err)
	}
	if ce.PrevOpTime == nil || !ce.PrevOpTime.Equal(prepOT) {
		t.Fatalf("commit prevOpTime = %v, want %v", ce.PrevOpTime, prepOT)
	}
}

func TestAbortPreparedWritesAbortEntry(t *testing.T) {
	f := newFixture(t)
	p, err := f.table.Checkout(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(1, true); err != nil {
		t.Fatal(err)
	}
	op := Op{
		Operation: oplog.OpInsert,
		Namespace: "db.users",
		Object:    mustDoc(t, bson.D{{Key: "_id", Value: int32(1)}}),
	}
	if err := p.AddOperation(op); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Prepare(f.w); err != nil {
		t.Fatal(err)
	}
	ot, err := p.Abort(f.w)
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != TxnAborted {
		t.Fatalf("state = %v", p.State())
	}
	e, ok, err := f.log.EntryAt(ot.TS)
	if err != nil || !ok || !e.IsAbort() {
		t.Fatalf("abort entry: ok=%v err=%v", ok, err)
	}

	// An unprepared abort leaves no trace in the log.
	if err := p.BeginOrContinue(2, true); err != nil {
		t.Fatal(err)
	}
	if err := p.AddOperation(op); err != nil {
		t.Fatal(err)
	}
	top := f.log.Top()
	if _, err := p.Abort(f.w); err != nil {
		t.Fatal(err)
	}
	if got := f.log.Top(); !got.Equal(top) {
		t.Fatal("unprepared abort wrote an entry")
	}
}

func TestNewTxnNumberBlockedWhilePrepared(t *testing.T) {
	f := newFixture(t)
	p, err := f.table.Checkout(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(1, true); err != nil {
		t.Fatal(err)
	}
	op := Op{
		Operation: oplog.OpInsert,
		Namespace: "db.users",
		Object:    mustDoc(t, bson.D{{Key: "_id", Value: int32(1)}}),
	}
	if err := p.AddOperation(op); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Prepare(f.w); err != nil {
		t.Fatal(err)
	}
	if err := p.BeginOrContinue(2, true); dberr.CodeOf(err) != dberr.CodeOperationNotSupportedInTransaction {
		t.Fatalf("begin while prepared: %v", err)
	}
}

func TestSplitOpsRespectsBudget(t *testing.T) {
	big := make([]byte, 200)
	var ops []Op
	for i := 0; i < 5; i++ {
		doc, _ := bson.Marshal(bson.D{{Key: "_id", Value: int32(i)}, {Key: "pad", Value: big}})
		ops = append(ops, Op{Operation: oplog.OpInsert, Namespace: "db.c", Object: doc})
	}
	chunks, err := splitOps(ops, 600)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want a split", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 5 {
		t.Fatalf("ops lost in split: %d", total)
	}
}

func TestCollectTxnOpsAcrossPartialChain(t *testing.T) {
	f := newFixture(t)
	p, err := f.table.Checkout(uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if err := p.BeginOrContinue(1, true); err != nil {
		t.Fatal(err)
	}
	// Stage enough ops to force a chain.
	pad := make([]byte, maxApplyOpsBytes/3)
	for i := int32(0); i < 4; i++ {
		doc, err := bson.Marshal(bson.D{{Key: "_id", Value: i}, {Key: "pad", Value: pad}})
		if err != nil {
			t.Fatal(err)
		}
		if err := p.AddOperation(Op{Operation: oplog.OpInsert, Namespace: "db.big", Object: doc}); err != nil {
			t.Fatal(err)
		}
	}
	applier := &recApplier{}
	ot, err := p.CommitUnprepared(f.w, applier)
	if err != nil {
		t.Fatal(err)
	}
	last, ok, err := f.log.EntryAt(ot.TS)
	if err != nil || !ok {
		t.Fatal(err)
	}
	ops, err := CollectTxnOps(f.log, last)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 4 {
		t.Fatalf("collected %d ops, want 4", len(ops))
	}
	for i, op := range ops {
		id, err := op.Object.LookupErr("_id")
		if err != nil {
			t.Fatal(err)
		}
		if v, _ := id.Int32OK(); v != int32(i) {
			t.Fatalf("op %d out of order: _id=%d", i, v)
		}
	}
	// The chain's interior entries are flagged partial.
	if last.PrevOpTime == nil || last.PrevOpTime.IsNull() {
		t.Fatal("commit chain has no predecessor")
	}
	mid, ok, err := f.log.EntryAt(last.PrevOpTime.TS)
	if err != nil || !ok || !mid.IsPartialTxn() {
		t.Fatalf("interior entry: ok=%v partial=%v err=%v", ok, mid.IsPartialTxn(), err)
	}
}

func TestSecondaryPrepareCommitHooks(t *testing.T) {
	f := newFixture(t)
	sid := uuid.New()
	p, err := f.table.Checkout(sid)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	ops := []Op{{
		Operation: oplog.OpInsert,
		Namespace: "db.users",
		Object:    mustDoc(t, bson.D{{Key: "_id", Value: int32(9)}}),
	}}
	prepOT := optime.FromParts(50, 1, 1)
	if err := p.OnPrepareApplied(4, ops, prepOT); err != nil {
		t.Fatal(err)
	}
	if p.State() != TxnPrepared {
		t.Fatalf("state = %v", p.State())
	}

	applier := &recApplier{}
	commitTS := primitive.Timestamp{T: 51, I: 1}
	entryOT := optime.FromParts(52, 1, 1)
	if err := p.OnCommitPreparedApplied(commitTS, entryOT, applier); err != nil {
		t.Fatal(err)
	}
	if applier.effectTS != commitTS || len(applier.ops) != 1 {
		t.Fatalf("applied at %v with %d ops", applier.effectTS, len(applier.ops))
	}
	if p.State() != TxnCommitted || !p.LastWriteOpTime().Equal(entryOT) {
		t.Fatalf("state=%v lastWrite=%v", p.State(), p.LastWriteOpTime())
	}

	// A commit with nothing prepared is a protocol error.
	if err := p.OnCommitPreparedApplied(commitTS, entryOT, applier); dberr.CodeOf(err) != dberr.CodeOperationNotSupportedInTransaction {
		t.Fatalf("double commit: %v", err)
	}
}
