package oplog

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/optime"
)

// RoleSource is the slice of the replication coordinator the writer needs:
// whether this node is leading and in which term.
type RoleSource interface {
	IsPrimary() bool
	Term() int64
}

type pendingHeap []primitive.Timestamp

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	return primitive.CompareTimestamp(h[i], h[j]) < 0
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(primitive.Timestamp)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// LogWriter owns OpTime reservation on a primary. Reservations serialize on
// one point; the storage writes they cover do not. A reserved slot whose
// storage transaction aborts leaves a gap that is never exposed: the store's
// visibility frontier stops just short of the earliest unresolved slot.
type LogWriter struct {
	mu     sync.Mutex
	store  *Store
	role   RoleSource
	logger *slog.Logger

	lastReserved primitive.Timestamp
	pending      pendingHeap                  // earliest unresolved slot on top
	resolved     map[primitive.Timestamp]bool // reserved slots, true once committed/aborted

	lastApplied optime.OpTime
	onAdvance   func(optime.OpTime)

	now func() time.Time // test seam
}

// NewLogWriter wires a writer over the store. onAdvance, if non-nil, runs
// after every lastApplied advancement, outside the writer lock.
func NewLogWriter(store *Store, role RoleSource, logger *slog.Logger, onAdvance func(optime.OpTime)) *LogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	w := &LogWriter{
		store:     store,
		role:      role,
		logger:    logger,
		resolved:  make(map[primitive.Timestamp]bool),
		onAdvance: onAdvance,
		now:       time.Now,
	}
	w.lastApplied = store.VisibleTop()
	if top := store.Top(); !top.IsNull() {
		w.lastReserved = top.TS
	}
	return w
}

// Reservation holds n contiguous slots. Exactly one of Commit or Abort must
// be called.
type Reservation struct {
	w     *LogWriter
	slots []optime.OpTime
	done  bool
}

// Reserve assigns n strictly increasing OpTimes in the current term.
// Fails with NotPrimary when the node is not leading.
func (w *LogWriter) Reserve(n int) (*Reservation, error) {
	return w.reserve(n, primitive.Timestamp{})
}

// ReserveAfter assigns n slots strictly after floor. Prepared-transaction
// commits use it so the commit entry never lands on the commit timestamp
// itself.
func (w *LogWriter) ReserveAfter(floor primitive.Timestamp, n int) (*Reservation, error) {
	return w.reserve(n, floor)
}

func (w *LogWriter) reserve(n int, floor primitive.Timestamp) (*Reservation, error) {
	if n <= 0 {
		return nil, dberr.New(dberr.CodeInvalidFormat, "reserve: n must be positive")
	}
	if !w.role.IsPrimary() {
		return nil, dberr.New(dberr.CodeNotPrimary, "not primary, cannot reserve optimes")
	}
	term := w.role.Term()

	w.mu.Lock()
	defer w.mu.Unlock()
	if primitive.CompareTimestamp(floor, w.lastReserved) > 0 {
		w.lastReserved = floor
	}
	slots := make([]optime.OpTime, 0, n)
	sec := uint32(w.now().Unix())
	for i := 0; i < n; i++ {
		var ts primitive.Timestamp
		if sec > w.lastReserved.T {
			ts = primitive.Timestamp{T: sec, I: 1}
		} else {
			ts = nextTimestamp(w.lastReserved)
		}
		w.lastReserved = ts
		heap.Push(&w.pending, ts)
		w.resolved[ts] = false
		slots = append(slots, optime.New(ts, term))
	}
	return &Reservation{w: w, slots: slots}, nil
}

// OpTimes exposes the reserved slots in order.
func (r *Reservation) OpTimes() []optime.OpTime { return r.slots }

// Last is the final reserved slot: the "last OpTime" a batched user write
// reports.
func (r *Reservation) Last() optime.OpTime { return r.slots[len(r.slots)-1] }

// Commit appends one entry per slot and resolves the reservation. The
// entries must already carry the reserved timestamps in order.
func (r *Reservation) Commit(entries []Entry) error {
	if r.done {
		return dberr.New(dberr.CodeInvalidFormat, "reservation already resolved")
	}
	if len(entries) != len(r.slots) {
		return dberr.Newf(dberr.CodeInvalidFormat,
			"reservation holds %d slots, got %d entries", len(r.slots), len(entries))
	}
	for i := range entries {
		if !entries[i].OpTime().Equal(r.slots[i]) {
			return dberr.Newf(dberr.CodeOplogOutOfOrder,
				"entry %d carries %v, slot is %v", i, entries[i].OpTime(), r.slots[i])
		}
	}
	// Entries land in the store hidden; visibility follows once every
	// earlier reservation has resolved.
	if err := r.w.store.AppendPending(entries...); err != nil {
		return err
	}
	r.done = true
	r.w.resolve(r.slots, true)
	return nil
}

// Abort abandons the slots. The gap is tolerated: the frontier simply moves
// past it once it is the oldest outstanding.
func (r *Reservation) Abort() {
	if r.done {
		return
	}
	r.done = true
	r.w.resolve(r.slots, false)
}

func (w *LogWriter) resolve(slots []optime.OpTime, committed bool) {
	w.mu.Lock()
	for _, s := range slots {
		w.resolved[s.TS] = true
	}
	// Pop every resolved slot off the front; the frontier is the last one
	// popped.
	var frontier primitive.Timestamp
	advanced := false
	for w.pending.Len() > 0 {
		min := w.pending[0]
		done, ok := w.resolved[min]
		if !ok || !done {
			break
		}
		heap.Pop(&w.pending)
		delete(w.resolved, min)
		frontier = min
		advanced = true
	}
	var newLast optime.OpTime
	if advanced {
		top := w.store.Top()
		upTo := optime.New(frontier, top.Term)
		if w.pending.Len() == 0 {
			upTo = top
		}
		w.store.Publish(upTo)
		// lastApplied follows visibility, never precedes it.
		vis := w.store.VisibleTop()
		if vis.After(w.lastApplied) {
			w.lastApplied = vis
			newLast = vis
		}
	}
	cb := w.onAdvance
	w.mu.Unlock()
	if advanced && !newLast.IsNull() && cb != nil {
		cb(newLast)
	}
}

// LastApplied is the newest visible committed OpTime this writer produced.
func (w *LogWriter) LastApplied() optime.OpTime {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastApplied
}

// WriteEntry is the common single-entry path: reserve one slot, run apply
// (the storage change, keyed at the slot's timestamp), then append.
// apply failing aborts the slot and returns its error.
func (w *LogWriter) WriteEntry(build func(ot optime.OpTime) Entry, apply func(ot optime.OpTime) error) (optime.OpTime, error) {
	return w.WriteEntryAfter(primitive.Timestamp{}, build, apply)
}

// WriteEntryAfter is WriteEntry with a slot floor: the reserved slot is
// strictly after floor.
func (w *LogWriter) WriteEntryAfter(floor primitive.Timestamp, build func(ot optime.OpTime) Entry, apply func(ot optime.OpTime) error) (optime.OpTime, error) {
	res, err := w.ReserveAfter(floor, 1)
	if err != nil {
		return optime.Null, err
	}
	ot := res.Last()
	if apply != nil {
		if err := apply(ot); err != nil {
			res.Abort()
			return optime.Null, err
		}
	}
	if err := res.Commit([]Entry{build(ot)}); err != nil {
		return optime.Null, err
	}
	return ot, nil
}
