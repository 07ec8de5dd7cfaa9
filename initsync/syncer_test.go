package initsync

import (
	"context"
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

type fakeDonor struct {
	mu   sync.Mutex
	name string
	rbid int

	entries []oplog.Entry
	dbs     map[string][]CollectionSpec
	docs    map[string][]bson.Raw

	fcv       FCVDoc
	oldestTxn *optime.OpTime

	streamFrom primitive.Timestamp

	// onListDatabases lets a test inject donor-side writes mid-sync.
	onListDatabases func(d *fakeDonor)

	// rollingBack makes every RollbackID read return a new value, as a
	// donor that keeps rolling back underneath the sync would.
	rollingBack bool
	rbidReads   int
}

func (d *fakeDonor) Name() string { return d.name }

func (d *fakeDonor) RollbackID(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rbidReads++
	if d.rollingBack {
		return d.rbid + d.rbidReads - 1, nil
	}
	return d.rbid, nil
}

func (d *fakeDonor) OplogTopOpTime(ctx context.Context) (optime.OpTime, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return optime.Null, nil
	}
	return d.entries[len(d.entries)-1].OpTime(), nil
}

func (d *fakeDonor) OldestActiveTransactionOpTime(ctx context.Context) (optime.OpTime, bool, error) {
	if d.oldestTxn == nil {
		return optime.Null, false, nil
	}
	return *d.oldestTxn, true, nil
}

func (d *fakeDonor) FCV(ctx context.Context, after primitive.Timestamp) (FCVDoc, error) {
	return d.fcv, nil
}

func (d *fakeDonor) ListDatabases(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	fn := d.onListDatabases
	d.onListDatabases = nil
	dbs := make([]string, 0, len(d.dbs))
	for db := range d.dbs {
		dbs = append(dbs, db)
	}
	d.mu.Unlock()
	if fn != nil {
		fn(d)
	}
	return dbs, nil
}

func (d *fakeDonor) ListCollections(ctx context.Context, db string) ([]CollectionSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dbs[db], nil
}

func (d *fakeDonor) StreamCollection(ctx context.Context, ns string, fn func(bson.Raw) error) error {
	d.mu.Lock()
	docs := append([]bson.Raw(nil), d.docs[ns]...)
	d.mu.Unlock()
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDonor) append(e oplog.Entry) {
	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.mu.Unlock()
}

type fakeStream struct {
	d    *fakeDonor
	next int
}

func (s *fakeStream) Next(ctx context.Context) ([]oplog.Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.d.mu.Lock()
		if s.next < len(s.d.entries) {
			batch := append([]oplog.Entry(nil), s.d.entries[s.next:]...)
			s.next = len(s.d.entries)
			s.d.mu.Unlock()
			return batch, nil
		}
		s.d.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *fakeStream) Close() error { return nil }

func (d *fakeDonor) OpenOplogStream(ctx context.Context, from primitive.Timestamp, batchSize int) (OplogStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamFrom = from
	start := 0
	for i, e := range d.entries {
		if primitive.CompareTimestamp(e.Timestamp, from) >= 0 {
			start = i
			break
		}
	}
	return &fakeStream{d: d, next: start}, nil
}

type fixedSelector struct{ donor Donor }

func (s fixedSelector) ChooseNewSyncSource(optime.OpTime) (Donor, error) { return s.donor, nil }

func rawDoc(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func donorEntry(t *testing.T, sec uint32, op oplog.OpType, ns string, u uuid.UUID, o bson.D) oplog.Entry {
	t.Helper()
	e := oplog.Entry{
		Timestamp: primitive.Timestamp{T: sec, I: 1},
		Term:      1,
		Operation: op,
		Namespace: ns,
		Object:    rawDoc(t, o),
		Wall:      time.Unix(int64(sec), 0).UTC(),
	}
	if u != (uuid.UUID{}) {
		e.UUID = oplog.BinaryUUID(u)
	}
	return e
}

type harness struct {
	store *storage.Engine
	meta  *storage.MetaStore
	log   *oplog.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "data"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	meta, err := storage.OpenMeta(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })
	log, err := oplog.OpenStore(filepath.Join(dir, "oplog"), oplog.StoreOptions{SizeBytes: oplog.MinCapBytes})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return &harness{store: st, meta: meta, log: log}
}

func testConfig() Config {
	return Config{
		MaxAttempts:     2,
		ConnectAttempts: 2,
		TransientOutage: time.Second,
		RetryWait:       5 * time.Millisecond,
	}
}

func TestInitialSyncHappyPath(t *testing.T) {
	h := newHarness(t)
	usersUUID := uuid.New()
	donor := &fakeDonor{
		name: "donor:27017",
		rbid: 7,
		fcv:  FCVDoc{Version: supportedFCV},
		dbs: map[string][]CollectionSpec{
			"app": {{
				NS:      "app.users",
				UUID:    usersUUID,
				Indexes: []bson.Raw{rawDoc(t, bson.D{{Key: "name", Value: "name_1"}})},
			}},
		},
		docs: map[string][]bson.Raw{
			"app.users": {
				rawDoc(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "ada"}}),
				rawDoc(t, bson.D{{Key: "_id", Value: int32(2)}, {Key: "name", Value: "brin"}}),
			},
		},
	}
	donor.entries = []oplog.Entry{
		donorEntry(t, 10, oplog.OpNoop, "", uuid.UUID{}, bson.D{{Key: "msg", Value: "periodic"}}),
		donorEntry(t, 11, oplog.OpInsert, "app.users", usersUUID, bson.D{{Key: "_id", Value: int32(2)}, {Key: "name", Value: "brin"}}),
	}
	// A write arrives on the donor while cloning runs; the applier must
	// catch up to it.
	donor.onListDatabases = func(d *fakeDonor) {
		d.append(donorEntry(t, 12, oplog.OpInsert, "app.users", usersUUID,
			bson.D{{Key: "_id", Value: int32(3)}, {Key: "name", Value: "curie"}}))
	}

	s := New(testConfig(), h.store, h.meta, h.log, fixedSelector{donor}, nil)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.LastApplied.Equal(optime.FromParts(12, 1, 1)) {
		t.Fatalf("lastApplied = %v", res.LastApplied)
	}
	if res.Sessions == nil {
		t.Fatal("no session table returned")
	}

	// Cloned and caught-up documents are all present.
	for id := int32(1); id <= 3; id++ {
		typ, b, _ := bson.MarshalValue(id)
		if _, found, _ := h.store.FindByID(usersUUID, bson.RawValue{Type: typ, Value: b}); !found {
			t.Fatalf("doc %d missing after sync", id)
		}
	}
	// Entries from the fetch point forward are in the local log, including
	// the pre-barrier one that was written without being applied.
	if _, ok, _ := h.log.EntryAt(primitive.Timestamp{T: 11, I: 1}); !ok {
		t.Fatal("pre-barrier entry missing from local log")
	}
	if _, ok, _ := h.log.EntryAt(primitive.Timestamp{T: 12, I: 1}); !ok {
		t.Fatal("applied entry missing from local log")
	}

	if flag, err := h.meta.InitialSyncFlag(); err != nil || flag {
		t.Fatalf("initial sync flag still set: %v err=%v", flag, err)
	}
	if ts := h.store.InitialDataTimestamp(); ts != (primitive.Timestamp{T: 12, I: 1}) {
		t.Fatalf("initial data timestamp = %v", ts)
	}

	p := s.Progress()
	if p.Phase != PhaseComplete || p.AppliedOps == 0 {
		t.Fatalf("progress: phase=%v applied=%d", p.Phase, p.AppliedOps)
	}
	if p.Databases["app"].Documents != 2 {
		t.Fatalf("clone stats: %+v", p.Databases["app"])
	}
	if len(p.Attempts) != 1 || p.Attempts[0].Status != "ok" {
		t.Fatalf("attempts: %+v", p.Attempts)
	}
}

func TestInitialSyncOldestActiveTxnPullsFetchPointBack(t *testing.T) {
	h := newHarness(t)
	donor := &fakeDonor{
		name: "donor:27017",
		fcv:  FCVDoc{Version: supportedFCV},
		dbs:  map[string][]CollectionSpec{},
	}
	donor.entries = []oplog.Entry{
		donorEntry(t, 5, oplog.OpNoop, "", uuid.UUID{}, bson.D{{Key: "msg", Value: "old"}}),
		donorEntry(t, 10, oplog.OpNoop, "", uuid.UUID{}, bson.D{{Key: "msg", Value: "top"}}),
	}
	oldest := optime.FromParts(5, 1, 1)
	donor.oldestTxn = &oldest

	s := New(testConfig(), h.store, h.meta, h.log, fixedSelector{donor}, nil)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if donor.streamFrom != (primitive.Timestamp{T: 5, I: 1}) {
		t.Fatalf("fetch started at %v, want the oldest active txn point", donor.streamFrom)
	}
}

func TestInitialSyncIncompatibleFCV(t *testing.T) {
	h := newHarness(t)
	donor := &fakeDonor{
		name: "donor:27017",
		fcv:  FCVDoc{Version: supportedFCV, Target: "7.0"},
		dbs:  map[string][]CollectionSpec{},
	}
	donor.entries = []oplog.Entry{
		donorEntry(t, 10, oplog.OpNoop, "", uuid.UUID{}, bson.D{{Key: "msg", Value: "top"}}),
	}
	s := New(testConfig(), h.store, h.meta, h.log, fixedSelector{donor}, nil)
	_, err := s.Run(context.Background())
	if dberr.CodeOf(err) != dberr.CodeIncompatibleServerVersion {
		t.Fatalf("mid-upgrade donor: %v", err)
	}
	if got := len(s.Progress().Attempts); got != 2 {
		t.Fatalf("attempts = %d, want every retry recorded", got)
	}
}

func TestInitialSyncDonorRollbackDetected(t *testing.T) {
	h := newHarness(t)
	donor := &fakeDonor{
		name:        "donor:27017",
		rbid:        3,
		rollingBack: true,
		fcv:         FCVDoc{Version: supportedFCV},
		dbs:         map[string][]CollectionSpec{},
	}
	donor.entries = []oplog.Entry{
		donorEntry(t, 10, oplog.OpNoop, "", uuid.UUID{}, bson.D{{Key: "msg", Value: "top"}}),
	}
	s := New(testConfig(), h.store, h.meta, h.log, fixedSelector{donor}, nil)
	_, err := s.Run(context.Background())
	if dberr.CodeOf(err) != dberr.CodeUnrecoverableRollbackError {
		t.Fatalf("donor rollback: %v", err)
	}
}

func TestInitialSyncShutdown(t *testing.T) {
	h := newHarness(t)
	donor := &fakeDonor{name: "donor:27017", fcv: FCVDoc{Version: supportedFCV}}
	s := New(testConfig(), h.store, h.meta, h.log, fixedSelector{donor}, nil)
	s.Shutdown()
	if _, err := s.Run(context.Background()); dberr.CodeOf(err) != dberr.CodeCallbackCanceled {
		t.Fatalf("shutdown run: %v", err)
	}
}
