package session

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/optime"

	"github.com/google/uuid"
)

// TxnState is the per-session transaction state machine position.
type TxnState int

const (
	TxnNone TxnState = iota
	TxnInProgress
	TxnPrepared
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnNone:
		return "none"
	case TxnInProgress:
		return "inProgress"
	case TxnPrepared:
		return "prepared"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	}
	return "unknown"
}

func (s TxnState) recordState() string {
	if s == TxnNone {
		return ""
	}
	return s.String()
}

// Entries containing applyOps are split so no single entry exceeds this many
// operation bytes.
const maxApplyOpsBytes = 16 * 1024 * 1024

// Participant is the per-session state machine. All methods require the
// session to be checked out; Release hands it back.
type Participant struct {
	table *Table
	sid   uuid.UUID
	mu    sync.Mutex

	loaded    bool
	txnNumber int64
	state     TxnState
	lastWrite optime.OpTime

	// Statement-id outcomes for the current txnNumber. fullHistory is set
	// once the prevOpTime chain has been walked to its start.
	executed    map[int32]optime.OpTime
	fullHistory bool

	// Staged operations of an open transaction, and the tail of its
	// partialTxn chain in the log.
	txnOps        []Op
	lastTxnOpTime optime.OpTime
	prepareOpTime optime.OpTime
}

// Release returns the session to the table.
func (p *Participant) Release() { p.mu.Unlock() }

// SessionID reports the owning session.
func (p *Participant) SessionID() uuid.UUID { return p.sid }

// TxnNumber reports the current transaction number, -1 before any.
func (p *Participant) TxnNumber() int64 { return p.txnNumber }

// State reports the transaction state for the current number.
func (p *Participant) State() TxnState { return p.state }

// LastWriteOpTime is the head of the session's write chain.
func (p *Participant) LastWriteOpTime() optime.OpTime { return p.lastWrite }

func (p *Participant) loadLocked() error {
	doc, ok, err := p.table.store.FindByID(p.table.collUUID, recordKey(p.sid))
	if err != nil {
		return err
	}
	if ok {
		var rec Record
		if err := bson.Unmarshal(doc, &rec); err != nil {
			return dberr.Wrap(dberr.CodeInvalidFormat, "session record", err)
		}
		p.txnNumber = rec.TxnNum
		p.lastWrite = rec.LastWriteOpTime
		switch rec.State {
		case "prepared":
			p.state = TxnPrepared
		case "committed":
			p.state = TxnCommitted
		case "aborted":
			p.state = TxnAborted
		case "inProgress":
			p.state = TxnInProgress
		default:
			p.state = TxnNone
		}
	}
	p.loaded = true
	return nil
}

// BeginOrContinue moves the session to transaction number n. Equal numbers
// continue, higher numbers begin fresh, lower numbers are stale retries.
func (p *Participant) BeginOrContinue(n int64, startTxn bool) error {
	switch {
	case n < p.txnNumber:
		return dberr.Newf(dberr.CodeTransactionTooOld,
			"txnNumber %d is older than session's current %d", n, p.txnNumber)
	case n == p.txnNumber:
		if startTxn && p.state != TxnNone && p.state != TxnInProgress {
			return dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
				"transaction %d already %s", n, p.state)
		}
		if startTxn && p.state == TxnNone {
			p.state = TxnInProgress
		}
		return nil
	default:
		if p.state == TxnPrepared {
			return dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
				"cannot begin txnNumber %d while %d is prepared", n, p.txnNumber)
		}
		p.txnNumber = n
		p.executed = make(map[int32]optime.OpTime)
		p.fullHistory = false
		p.txnOps = nil
		p.lastTxnOpTime = optime.Null
		p.prepareOpTime = optime.Null
		if startTxn {
			p.state = TxnInProgress
		} else {
			p.state = TxnNone
		}
		return nil
	}
}

// CheckStatementExecuted reports whether statement s already ran under the
// current transaction number, replaying its OpTime when it did. A cache miss
// walks the prevOpTime chain; hitting a dead-end sentinel or falling off the
// capped log means the history is gone.
func (p *Participant) CheckStatementExecuted(s int32) (optime.OpTime, bool, error) {
	if ot, ok := p.executed[s]; ok {
		return ot, true, nil
	}
	if p.fullHistory {
		return optime.Null, false, nil
	}
	cur := p.lastWrite
	for !cur.IsNull() {
		e, ok, err := p.table.log.EntryAt(cur.TS)
		if err != nil {
			return optime.Null, false, err
		}
		if !ok {
			return optime.Null, false, dberr.Newf(dberr.CodeIncompleteTransactionHistory,
				"incomplete history for session %s: entry at %v fell off the log", p.sid, cur)
		}
		if e.TxnNumber != nil && *e.TxnNumber < p.txnNumber {
			// Older transaction numbers cannot hold this statement.
			break
		}
		if e.StmtID != nil {
			if *e.StmtID == oplog.DeadEndSentinelStmtID {
				return optime.Null, false, dberr.Newf(dberr.CodeIncompleteTransactionHistory,
					"incomplete history for session %s: chain truncated at %v", p.sid, cur)
			}
			if e.TxnNumber != nil && *e.TxnNumber == p.txnNumber {
				p.executed[*e.StmtID] = e.OpTime()
			}
		}
		if e.PrevOpTime == nil {
			break
		}
		cur = *e.PrevOpTime
	}
	p.fullHistory = true
	ot, ok := p.executed[s]
	return ot, ok, nil
}

// RetryableWrite runs one sessioned statement: dedup, slot reservation,
// storage apply, linked entry append, and record update. Replayed statements
// report replayed=true with the original OpTime and do not re-execute.
func (p *Participant) RetryableWrite(w *oplog.LogWriter, stmtID int32,
	build func(ot optime.OpTime) oplog.Entry,
	apply func(ot optime.OpTime) error) (ot optime.OpTime, replayed bool, err error) {

	if prior, ok, err := p.CheckStatementExecuted(stmtID); err != nil {
		return optime.Null, false, err
	} else if ok {
		return prior, true, nil
	}

	prev := p.lastWrite
	ot, err = w.WriteEntry(func(slot optime.OpTime) oplog.Entry {
		e := build(slot)
		p.linkEntry(&e, stmtID, prev)
		return e
	}, func(slot optime.OpTime) error {
		if err := apply(slot); err != nil {
			return err
		}
		// The record rides the same effect timestamp as the write.
		p.lastWrite = slot
		if err := p.table.saveRecord(p, slot.TS); err != nil {
			p.lastWrite = prev
			return err
		}
		return nil
	})
	if err != nil {
		return optime.Null, false, err
	}
	p.executed[stmtID] = ot
	return ot, false, nil
}

func (p *Participant) linkEntry(e *oplog.Entry, stmtID int32, prev optime.OpTime) {
	e.LSID = IDDoc(p.sid)
	e.TxnNumber = oplog.Int64Ptr(p.txnNumber)
	e.StmtID = oplog.Int32Ptr(stmtID)
	pv := prev
	e.PrevOpTime = &pv
	if e.Wall.IsZero() {
		e.Wall = time.Now().UTC()
	}
}

// AddOperation stages one operation in the open transaction.
func (p *Participant) AddOperation(op Op) error {
	if p.state != TxnInProgress {
		return dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
			"cannot add operations while transaction is %s", p.state)
	}
	p.txnOps = append(p.txnOps, op)
	return nil
}

func applyOpsObject(ops []Op, extra bson.D) (bson.Raw, error) {
	arr := make(bson.A, len(ops))
	for i := range ops {
		arr[i] = ops[i]
	}
	doc := bson.D{{Key: "applyOps", Value: arr}}
	doc = append(doc, extra...)
	return bson.Marshal(doc)
}

// splitOps cuts the staged operations into chunks not exceeding budget
// bytes each; a single oversized op still gets its own chunk.
func splitOps(ops []Op, budget int) ([][]Op, error) {
	var out [][]Op
	var cur []Op
	size := 0
	for _, op := range ops {
		b, err := bson.Marshal(op)
		if err != nil {
			return nil, err
		}
		if len(cur) > 0 && size+len(b) > budget {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, op)
		size += len(b)
	}
	if len(cur) > 0 || len(out) == 0 {
		out = append(out, cur)
	}
	return out, nil
}

// writeTxnChain appends the staged operations as a prevOpTime-linked chain
// of applyOps entries. The final entry carries a count field for an
// unprepared commit or the prepare flag for a prepare. Returns the last
// entry's OpTime.
func (p *Participant) writeTxnChain(w *oplog.LogWriter, prepare bool, applyAt func(last optime.OpTime) error) (optime.OpTime, error) {
	chunks, err := splitOps(p.txnOps, maxApplyOpsBytes)
	if err != nil {
		return optime.Null, err
	}
	res, err := w.Reserve(len(chunks))
	if err != nil {
		return optime.Null, err
	}
	slots := res.OpTimes()

	entries := make([]oplog.Entry, len(chunks))
	prev := p.lastWrite
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		var extra bson.D
		switch {
		case last && prepare:
			extra = bson.D{{Key: "prepare", Value: true}}
		case last:
			extra = bson.D{{Key: "count", Value: int64(len(p.txnOps))}}
		default:
			extra = bson.D{{Key: "partialTxn", Value: true}}
		}
		obj, err := applyOpsObject(chunk, extra)
		if err != nil {
			res.Abort()
			return optime.Null, err
		}
		e := oplog.Entry{
			Timestamp: slots[i].TS,
			Term:      slots[i].Term,
			Operation: oplog.OpCommand,
			Namespace: "admin.$cmd",
			Object:    obj,
			Wall:      time.Now().UTC(),
			LSID:      IDDoc(p.sid),
			TxnNumber: oplog.Int64Ptr(p.txnNumber),
		}
		pv := prev
		e.PrevOpTime = &pv
		if !last {
			e.PartialTxn = oplog.BoolPtr(true)
		} else if prepare {
			e.Prepare = oplog.BoolPtr(true)
		}
		entries[i] = e
		prev = slots[i]
	}
	if applyAt != nil {
		if err := applyAt(res.Last()); err != nil {
			res.Abort()
			return optime.Null, err
		}
	}
	if err := res.Commit(entries); err != nil {
		return optime.Null, err
	}
	return res.Last(), nil
}

// CommitUnprepared commits an in-progress transaction in a single chain
// whose last entry is the implicit commit. Effects take the last entry's
// timestamp.
func (p *Participant) CommitUnprepared(w *oplog.LogWriter, applier OpApplier) (optime.OpTime, error) {
	if p.state != TxnInProgress {
		return optime.Null, dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
			"cannot commit while transaction is %s", p.state)
	}
	ops := p.txnOps
	prev := p.lastWrite
	last, err := p.writeTxnChain(w, false, func(last optime.OpTime) error {
		if err := applier.ApplyTxnOps(ops, last.TS); err != nil {
			return err
		}
		p.lastWrite = last
		p.state = TxnCommitted
		return p.table.saveRecord(p, last.TS)
	})
	if err != nil {
		if p.state == TxnCommitted {
			p.state = TxnInProgress
			p.lastWrite = prev
		}
		return optime.Null, err
	}
	p.txnOps = nil
	return last, nil
}

// Prepare writes the transaction's chain with the final entry flagged as a
// prepare. Effects are withheld; the prepare timestamp is the final entry's
// own timestamp.
func (p *Participant) Prepare(w *oplog.LogWriter) (optime.OpTime, error) {
	if p.state != TxnInProgress {
		return optime.Null, dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
			"cannot prepare while transaction is %s", p.state)
	}
	prev := p.lastWrite
	last, err := p.writeTxnChain(w, true, func(last optime.OpTime) error {
		p.lastWrite = last
		p.state = TxnPrepared
		return p.table.saveRecord(p, last.TS)
	})
	if err != nil {
		if p.state == TxnPrepared {
			p.state = TxnInProgress
			p.lastWrite = prev
		}
		return optime.Null, err
	}
	p.prepareOpTime = last
	return last, nil
}

// PrepareTimestamp reports the prepare point of a prepared transaction.
func (p *Participant) PrepareTimestamp() primitive.Timestamp {
	return p.prepareOpTime.TS
}

// CommitPrepared commits a prepared transaction. The commit entry orders at
// its own OpTime while the effects take commitTS, which must not precede the
// prepare timestamp.
func (p *Participant) CommitPrepared(w *oplog.LogWriter, commitTS primitive.Timestamp, applier OpApplier) (optime.OpTime, error) {
	if p.state != TxnPrepared {
		return optime.Null, dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
			"cannot commit prepared while transaction is %s", p.state)
	}
	if primitive.CompareTimestamp(commitTS, p.prepareOpTime.TS) < 0 {
		return optime.Null, dberr.Newf(dberr.CodeInvalidFormat,
			"commit timestamp %v precedes prepare timestamp %v", commitTS, p.prepareOpTime.TS)
	}
	ops := p.txnOps
	prev := p.lastWrite
	// The entry floors past commitTS so its OpTime is always a distinct,
	// later slot than the effects' timestamp.
	ot, err := w.WriteEntryAfter(commitTS, func(slot optime.OpTime) oplog.Entry {
		obj, _ := bson.Marshal(bson.D{
			{Key: "commitTransaction", Value: int32(1)},
			{Key: "commitTimestamp", Value: commitTS},
		})
		e := oplog.Entry{
			Timestamp: slot.TS,
			Term:      slot.Term,
			Operation: oplog.OpCommand,
			Namespace: "admin.$cmd",
			Object:    obj,
			Wall:      time.Now().UTC(),
			LSID:      IDDoc(p.sid),
			TxnNumber: oplog.Int64Ptr(p.txnNumber),
		}
		pv := prev
		e.PrevOpTime = &pv
		return e
	}, func(slot optime.OpTime) error {
		if err := applier.ApplyTxnOps(ops, commitTS); err != nil {
			return err
		}
		p.lastWrite = slot
		p.state = TxnCommitted
		if err := p.table.saveRecord(p, slot.TS); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if p.state == TxnCommitted {
			p.state = TxnPrepared
			p.lastWrite = prev
		}
		return optime.Null, err
	}
	p.txnOps = nil
	return ot, nil
}

// Abort drops an in-progress or prepared transaction. Prepared aborts leave
// an abortTransaction entry; unprepared ones have nothing in the log yet.
func (p *Participant) Abort(w *oplog.LogWriter) (optime.OpTime, error) {
	switch p.state {
	case TxnInProgress:
		p.txnOps = nil
		p.state = TxnAborted
		return optime.Null, nil
	case TxnPrepared:
	default:
		return optime.Null, dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
			"cannot abort while transaction is %s", p.state)
	}
	prev := p.lastWrite
	ot, err := w.WriteEntry(func(slot optime.OpTime) oplog.Entry {
		obj, _ := bson.Marshal(bson.D{{Key: "abortTransaction", Value: int32(1)}})
		e := oplog.Entry{
			Timestamp: slot.TS,
			Term:      slot.Term,
			Operation: oplog.OpCommand,
			Namespace: "admin.$cmd",
			Object:    obj,
			Wall:      time.Now().UTC(),
			LSID:      IDDoc(p.sid),
			TxnNumber: oplog.Int64Ptr(p.txnNumber),
		}
		pv := prev
		e.PrevOpTime = &pv
		return e
	}, func(slot optime.OpTime) error {
		p.lastWrite = slot
		p.txnOps = nil
		p.state = TxnAborted
		return p.table.saveRecord(p, slot.TS)
	})
	if err != nil {
		return optime.Null, err
	}
	return ot, nil
}

// secondary-path hooks

// OnPrepareApplied records a prepare observed in the log, holding its ops
// until a commit or abort arrives.
func (p *Participant) OnPrepareApplied(txnNumber int64, ops []Op, prepareOpTime optime.OpTime) error {
	if txnNumber < p.txnNumber {
		return dberr.Newf(dberr.CodeTransactionTooOld,
			"txnNumber %d is older than session's current %d", txnNumber, p.txnNumber)
	}
	if txnNumber > p.txnNumber {
		p.executed = make(map[int32]optime.OpTime)
		p.fullHistory = false
	}
	p.txnNumber = txnNumber
	p.txnOps = ops
	p.state = TxnPrepared
	p.lastWrite = prepareOpTime
	p.prepareOpTime = prepareOpTime
	return p.table.saveRecord(p, prepareOpTime.TS)
}

// OnCommitPreparedApplied applies a held prepared transaction's effects at
// commitTS and records the commit entry's place in the chain.
func (p *Participant) OnCommitPreparedApplied(commitTS primitive.Timestamp, entryOpTime optime.OpTime, applier OpApplier) error {
	if p.state != TxnPrepared {
		return dberr.Newf(dberr.CodeOperationNotSupportedInTransaction,
			"commitTransaction for session %s with no prepared transaction", p.sid)
	}
	if err := applier.ApplyTxnOps(p.txnOps, commitTS); err != nil {
		return err
	}
	p.txnOps = nil
	p.state = TxnCommitted
	p.lastWrite = entryOpTime
	return p.table.saveRecord(p, entryOpTime.TS)
}

// OnAbortApplied discards a held prepared transaction.
func (p *Participant) OnAbortApplied(entryOpTime optime.OpTime) error {
	p.txnOps = nil
	p.state = TxnAborted
	p.lastWrite = entryOpTime
	return p.table.saveRecord(p, entryOpTime.TS)
}

// CollectTxnOps walks the partialTxn chain ending at last and returns the
// transaction's operations in statement order. For a commitTransaction
// entry the walk starts at its prevOpTime.
func CollectTxnOps(log *oplog.Store, last oplog.Entry) ([]Op, error) {
	var groups [][]Op
	cur := last
	if last.IsCommit() || last.IsAbort() {
		if last.PrevOpTime == nil || last.PrevOpTime.IsNull() {
			return nil, nil
		}
		e, ok, err := log.EntryAt(last.PrevOpTime.TS)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, dberr.Newf(dberr.CodeIncompleteTransactionHistory,
				"transaction chain broken at %v", *last.PrevOpTime)
		}
		cur = e
	}
	for {
		ops, err := ParseApplyOps(cur.Object)
		if err != nil {
			return nil, err
		}
		groups = append(groups, ops)
		if cur.PrevOpTime == nil || cur.PrevOpTime.IsNull() {
			break
		}
		prev, ok, err := log.EntryAt(cur.PrevOpTime.TS)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, dberr.Newf(dberr.CodeIncompleteTransactionHistory,
				"transaction chain broken at %v", *cur.PrevOpTime)
		}
		if !prev.IsPartialTxn() {
			break
		}
		cur = prev
	}
	var out []Op
	for i := len(groups) - 1; i >= 0; i-- {
		out = append(out, groups[i]...)
	}
	return out, nil
}

// ParseApplyOps decodes the applyOps array of a command object.
func ParseApplyOps(obj bson.Raw) ([]Op, error) {
	v, err := obj.LookupErr("applyOps")
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "entry has no applyOps", err)
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, dberr.New(dberr.CodeTypeMismatch, "applyOps is not an array")
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, len(vals))
	for _, val := range vals {
		doc, ok := val.DocumentOK()
		if !ok {
			return nil, dberr.New(dberr.CodeTypeMismatch, "applyOps element is not a document")
		}
		var op Op
		if err := bson.Unmarshal(doc, &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
