// Package session tracks logical sessions and their transactions. Each
// session's writes form a linked list through the log, threaded by
// prevOpTime; the session table record in config.transactions always points
// at the newest link. Retryable writes dedup by statement id against that
// chain, and multi-statement transactions run a per-session state machine.
package session

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/optime"
	"tidedb/storage"
)

// NS is the namespace holding durable session records.
const NS = "config.transactions"

// Op is one operation inside a transaction, in applyOps element form.
type Op struct {
	Operation oplog.OpType      `bson:"op"`
	Namespace string            `bson:"ns"`
	UUID      *primitive.Binary `bson:"ui,omitempty"`
	Object    bson.Raw          `bson:"o"`
	Object2   bson.Raw          `bson:"o2,omitempty"`
}

// OpApplier applies a transaction's operations to storage at a given effect
// timestamp. The secondary-path applier implements it; primaries use the
// same hook so commit and apply share one code path.
type OpApplier interface {
	ApplyTxnOps(ops []Op, effectTS primitive.Timestamp) error
}

// Record is the durable per-session document.
type Record struct {
	SessionID       bson.Raw      `bson:"_id"`
	TxnNum          int64         `bson:"txnNum"`
	LastWriteOpTime optime.OpTime `bson:"lastWriteOpTime"`
	State           string        `bson:"state,omitempty"`
}

// IDDoc builds the lsid document {id: <uuid>} for a session.
func IDDoc(sid uuid.UUID) bson.Raw {
	raw, err := bson.Marshal(bson.D{{Key: "id", Value: oplog.BinaryUUID(sid)}})
	if err != nil {
		panic(err)
	}
	return raw
}

// ParseID extracts the session uuid from an lsid document.
func ParseID(lsid bson.Raw) (uuid.UUID, error) {
	v, err := lsid.LookupErr("id")
	if err != nil {
		return uuid.UUID{}, dberr.Wrap(dberr.CodeInvalidFormat, "lsid missing id", err)
	}
	sub, data, ok := v.BinaryOK()
	if !ok || sub != 4 || len(data) != 16 {
		return uuid.UUID{}, dberr.New(dberr.CodeTypeMismatch, "lsid id is not a uuid")
	}
	var u uuid.UUID
	copy(u[:], data)
	return u, nil
}

// Table owns the session map and the durable record collection.
type Table struct {
	mu       sync.Mutex
	store    storage.Interface
	log      *oplog.Store
	logger   *slog.Logger
	collUUID uuid.UUID
	sessions map[uuid.UUID]*Participant
}

// NewTable opens the session table, creating config.transactions when the
// node has never run sessions before.
func NewTable(st storage.Interface, log *oplog.Store, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, ok, err := st.Collection(NS)
	if err != nil {
		return nil, err
	}
	if !ok {
		info = storage.CollectionInfo{NS: NS, UUID: uuid.New()}
		if err := st.CreateCollection(NS, info.UUID, nil); err != nil {
			return nil, err
		}
	}
	return &Table{
		store:    st,
		log:      log,
		logger:   logger,
		collUUID: info.UUID,
		sessions: make(map[uuid.UUID]*Participant),
	}, nil
}

// Checkout locks a session for exclusive use, creating its participant on
// first touch. The caller must Release when done.
func (t *Table) Checkout(sid uuid.UUID) (*Participant, error) {
	t.mu.Lock()
	p, ok := t.sessions[sid]
	if !ok {
		p = &Participant{
			table:     t,
			sid:       sid,
			txnNumber: -1,
			executed:  make(map[int32]optime.OpTime),
			lastWrite: optime.Null,
		}
		t.sessions[sid] = p
	}
	t.mu.Unlock()

	p.mu.Lock()
	if !p.loaded {
		if err := p.loadLocked(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	return p, nil
}

// AbortPreparedInMemory aborts every prepared transaction's in-memory state
// without logging anything. The durable side is restored by recovery.
func (t *Table) AbortPreparedInMemory() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.sessions {
		p.mu.Lock()
		if p.state == TxnPrepared {
			p.state = TxnAborted
			p.txnOps = nil
			p.prepareOpTime = optime.Null
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// Invalidate drops all in-memory session state. Durable records survive and
// reload on the next checkout.
func (t *Table) Invalidate() {
	t.mu.Lock()
	t.sessions = make(map[uuid.UUID]*Participant)
	t.mu.Unlock()
}

// Count reports live participants, for metrics.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) saveRecord(p *Participant, ts primitive.Timestamp) error {
	rec := Record{
		SessionID:       IDDoc(p.sid),
		TxnNum:          p.txnNumber,
		LastWriteOpTime: p.lastWrite,
		State:           p.state.recordState(),
	}
	doc, err := bson.Marshal(rec)
	if err != nil {
		return err
	}
	return t.store.UpsertByID(t.collUUID, recordKey(p.sid), doc, ts)
}

// ObserveWrite records a replicated sessioned write so statement dedup keeps
// working after a failover. Stale transaction numbers are ignored.
func (t *Table) ObserveWrite(lsid bson.Raw, txnNumber int64, stmtID *int32, ot optime.OpTime) error {
	sid, err := ParseID(lsid)
	if err != nil {
		return err
	}
	p, err := t.Checkout(sid)
	if err != nil {
		return err
	}
	defer p.Release()
	if err := p.BeginOrContinue(txnNumber, false); err != nil {
		if dberr.CodeOf(err) == dberr.CodeTransactionTooOld {
			return nil
		}
		return err
	}
	p.lastWrite = ot
	p.fullHistory = false
	if stmtID != nil && *stmtID != oplog.DeadEndSentinelStmtID {
		p.executed[*stmtID] = ot
	}
	return t.saveRecord(p, ot.TS)
}

// ReconstructPrepared rescans the log and re-establishes participant state
// for transactions that prepared but never committed or aborted. Run after
// initial sync and after rollback recovery.
func (t *Table) ReconstructPrepared() error {
	top := t.log.Top()
	if top.IsNull() {
		return nil
	}
	prepared := make(map[string]oplog.Entry)
	err := t.log.ScanRange(primitive.Timestamp{}, top.TS, func(e oplog.Entry) error {
		if len(e.LSID) == 0 || e.TxnNumber == nil {
			return nil
		}
		key := string(e.LSID) + "\x00" + strconv.FormatInt(*e.TxnNumber, 10)
		switch {
		case e.IsPrepare():
			prepared[key] = e
		case e.IsCommit(), e.IsAbort():
			delete(prepared, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range prepared {
		sid, err := ParseID(e.LSID)
		if err != nil {
			return err
		}
		ops, err := CollectTxnOps(t.log, e)
		if err != nil {
			return err
		}
		p, err := t.Checkout(sid)
		if err != nil {
			return err
		}
		err = p.OnPrepareApplied(*e.TxnNumber, ops, e.OpTime())
		p.Release()
		if err != nil {
			return err
		}
		t.logger.Info("reconstructed prepared transaction",
			"session", sid, "txnNumber", *e.TxnNumber, "prepareOpTime", e.OpTime())
	}
	return nil
}

func recordKey(sid uuid.UUID) bson.RawValue {
	typ, val, err := bson.MarshalValue(bson.D{{Key: "id", Value: oplog.BinaryUUID(sid)}})
	if err != nil {
		panic(err)
	}
	return bson.RawValue{Type: typ, Value: val}
}
