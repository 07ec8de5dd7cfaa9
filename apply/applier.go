package apply

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/optime"
	"tidedb/session"
	"tidedb/storage"
)

// Options tune an Applier.
type Options struct {
	// AlwaysUpsert turns every update into an upsert, as during initial
	// sync where earlier documents may not have been cloned yet.
	AlwaysUpsert bool

	// Workers is the CRUD apply parallelism within one batch. Entries are
	// partitioned by document key so per-document order holds.
	Workers int

	Logger *slog.Logger

	// OnBatchApplied runs after a batch's last entry is durable and applied.
	OnBatchApplied func(optime.OpTime)
}

const defaultWorkers = 4

// Applier replays oplog entries against storage.
type Applier struct {
	store    storage.Interface
	log      *oplog.Store
	sessions *session.Table
	indexes  *indexRegistry
	logger   *slog.Logger

	alwaysUpsert   bool
	workers        int
	onBatchApplied func(optime.OpTime)

	entriesApplied atomic.Int64
	batchesApplied atomic.Int64
	retries        atomic.Int64
}

func New(store storage.Interface, log *oplog.Store, sessions *session.Table, opts Options) *Applier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Applier{
		store:          store,
		log:            log,
		sessions:       sessions,
		indexes:        newIndexRegistry(),
		logger:         logger,
		alwaysUpsert:   opts.AlwaysUpsert,
		workers:        workers,
		onBatchApplied: opts.OnBatchApplied,
	}
}

// EntriesApplied reports the total applied entry count, for metrics.
func (a *Applier) EntriesApplied() int64 { return a.entriesApplied.Load() }

// BatchesApplied reports the total applied batch count, for metrics.
func (a *Applier) BatchesApplied() int64 { return a.batchesApplied.Load() }

// Retries reports apply retries taken, for metrics.
func (a *Applier) Retries() int64 { return a.retries.Load() }

// RegisterIndex records an index spec cloned from a sync source, bypassing
// the build protocol.
func (a *Applier) RegisterIndex(coll uuid.UUID, name string, spec bson.Raw) {
	a.indexes.setSpec(coll, name, spec)
}

// AwaitBackgroundOps blocks until every in-flight index build settles, on
// every collection.
func (a *Applier) AwaitBackgroundOps() {
	a.indexes.awaitAllBuilds()
}

// ApplyBatch writes the batch into the local log, replays its effects, and
// returns the last entry's OpTime. The local log write comes first so later
// entries that reference earlier ones (transaction chains) can resolve them.
func (a *Applier) ApplyBatch(ctx context.Context, batch []oplog.Entry) (optime.OpTime, error) {
	if len(batch) == 0 {
		return optime.Null, nil
	}
	if err := a.log.Append(batch...); err != nil {
		return optime.Null, err
	}
	return a.applyEffects(ctx, batch)
}

// ReplayBatch applies a batch already present in the local log without
// re-appending it. Crash recovery and rollback replay through it.
func (a *Applier) ReplayBatch(ctx context.Context, batch []oplog.Entry) (optime.OpTime, error) {
	if len(batch) == 0 {
		return optime.Null, nil
	}
	return a.applyEffects(ctx, batch)
}

func (a *Applier) applyEffects(ctx context.Context, batch []oplog.Entry) (optime.OpTime, error) {
	if batch[0].Operation == oplog.OpCommand {
		// Commands run alone and serially.
		if len(batch) != 1 {
			return optime.Null, dberr.New(dberr.CodeInvalidFormat, "command batched with other entries")
		}
		if err := a.applyCommand(&batch[0]); err != nil {
			return optime.Null, err
		}
	} else if err := a.applyCRUDBatch(ctx, batch); err != nil {
		return optime.Null, err
	}

	last := batch[len(batch)-1].OpTime()
	a.store.OplogDiskLocRegister(last.TS)
	a.entriesApplied.Add(int64(len(batch)))
	a.batchesApplied.Add(1)
	if a.onBatchApplied != nil {
		a.onBatchApplied(last)
	}
	return last, nil
}

// Run drains the buffer until shutdown or cancellation, applying batches in
// order. Returns the last applied OpTime; a clean buffer close is not an
// error.
func (a *Applier) Run(ctx context.Context, buf *Buffer, limits BatchLimits) (optime.OpTime, error) {
	last := optime.Null
	for {
		batch, err := buf.NextBatch(ctx, limits)
		if err != nil {
			if dberr.CodeOf(err) == dberr.CodeShutdownInProgress {
				return last, nil
			}
			return last, err
		}
		ot, err := a.ApplyBatch(ctx, batch)
		if err != nil {
			return last, err
		}
		if !ot.IsNull() {
			last = ot
		}
	}
}

// applyCRUDBatch partitions by document key and applies partitions in
// parallel; within a partition donor order holds.
func (a *Applier) applyCRUDBatch(ctx context.Context, batch []oplog.Entry) error {
	groups := make([][]*oplog.Entry, a.workers)
	for i := range batch {
		e := &batch[i]
		g := a.partition(e)
		groups[g] = append(groups[g], e)
	}

	var wg sync.WaitGroup
	errs := make([]error, a.workers)
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, group []*oplog.Entry) {
			defer wg.Done()
			for _, e := range group {
				if err := ctx.Err(); err != nil {
					errs[i] = dberr.Wrap(dberr.CodeCallbackCanceled, "apply batch", err)
					return
				}
				if err := a.applyEntry(e); err != nil {
					errs[i] = err
					return
				}
			}
		}(i, group)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	// Session records ride along serially once effects are in.
	for i := range batch {
		e := &batch[i]
		if len(e.LSID) == 0 || e.TxnNumber == nil || e.IsTransactional() {
			continue
		}
		if err := a.sessions.ObserveWrite(e.LSID, *e.TxnNumber, e.StmtID, e.OpTime()); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) partition(e *oplog.Entry) int {
	h := fnv.New32a()
	if e.UUID != nil {
		h.Write(e.UUID.Data)
	} else {
		h.Write([]byte(e.Namespace))
	}
	if id, ok := e.DocumentID(); ok {
		h.Write([]byte{byte(id.Type)})
		h.Write(id.Value)
	}
	return int(h.Sum32()) % a.workers
}

// withRetries applies the two retry policies: WriteConflict retries
// unconditionally, BackgroundOperationInProgress waits out index builds on
// the collection first.
func (a *Applier) withRetries(coll uuid.UUID, fn func() error) error {
	for {
		err := fn()
		switch dberr.CodeOf(err) {
		case dberr.CodeWriteConflict:
			a.retries.Add(1)
			continue
		case dberr.CodeBackgroundOperationInProgress:
			a.retries.Add(1)
			if coll != (uuid.UUID{}) {
				a.indexes.awaitBuilds(coll)
			}
			continue
		default:
			return err
		}
	}
}

func (a *Applier) resolveCollection(e *oplog.Entry) (storage.CollectionInfo, error) {
	if u, ok := e.CollectionUUID(); ok {
		info, found, err := a.store.CollectionByUUID(u)
		if err != nil {
			return storage.CollectionInfo{}, err
		}
		if !found {
			return storage.CollectionInfo{}, dberr.Newf(dberr.CodeNamespaceNotFound,
				"collection %s (%s) not found", e.Namespace, u)
		}
		return info, nil
	}
	info, found, err := a.store.Collection(e.Namespace)
	if err != nil {
		return storage.CollectionInfo{}, err
	}
	if !found {
		return storage.CollectionInfo{}, dberr.Newf(dberr.CodeNamespaceNotFound,
			"collection %s not found", e.Namespace)
	}
	return info, nil
}

func (a *Applier) applyEntry(e *oplog.Entry) error {
	if e.Operation == oplog.OpNoop {
		return nil
	}
	info, err := a.resolveCollection(e)
	if err != nil {
		return err
	}
	return a.withRetries(info.UUID, func() error {
		return a.applyOpParts(e.Operation, info.UUID, e.Object, e.Object2, e.Upsert, e.Timestamp)
	})
}

// applyOpParts is the single CRUD application path shared by direct entries
// and transaction sub-operations.
func (a *Applier) applyOpParts(op oplog.OpType, coll uuid.UUID, o, o2 bson.Raw, upsertFlag *bool, ts primitive.Timestamp) error {
	switch op {
	case oplog.OpInsert:
		err := a.store.InsertDocument(coll, o, ts)
		if dberr.CodeOf(err) == dberr.CodeDuplicateKey {
			// Replay over an existing document converges on the entry's
			// version.
			id, ok := docID(o)
			if !ok {
				return err
			}
			return a.store.UpsertByID(coll, id, o, ts)
		}
		return err

	case oplog.OpUpdate:
		id, ok := docID(o2)
		if !ok {
			return dberr.New(dberr.CodeInvalidFormat, "update entry missing o2._id")
		}
		upsert := a.alwaysUpsert || (upsertFlag != nil && *upsertFlag)
		if !upsert {
			_, found, err := a.store.FindByID(coll, id)
			if err != nil {
				return err
			}
			if !found {
				return dberr.Newf(dberr.CodeUpdateOperationFailed, "no document with _id %v", id)
			}
		}
		return a.store.UpsertByID(coll, id, o, ts)

	case oplog.OpDelete:
		id, ok := docID(o)
		if !ok {
			return dberr.New(dberr.CodeInvalidFormat, "delete entry missing o._id")
		}
		// Missing targets are tolerated: the delete may replay.
		_, err := a.store.DeleteByID(coll, id, ts)
		return err

	case oplog.OpNoop:
		return nil
	}
	return dberr.Newf(dberr.CodeInvalidFormat, "cannot apply op %q", op)
}

func docID(doc bson.Raw) (bson.RawValue, bool) {
	if len(doc) == 0 {
		return bson.RawValue{}, false
	}
	v, err := doc.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// ApplyTxnOps replays a transaction's operations at the effect timestamp.
// Implements the session package's applier hook.
func (a *Applier) ApplyTxnOps(ops []session.Op, effectTS primitive.Timestamp) error {
	for i := range ops {
		op := &ops[i]
		info, err := a.resolveTxnOpCollection(op)
		if err != nil {
			return err
		}
		err = a.withRetries(info.UUID, func() error {
			return a.applyOpParts(op.Operation, info.UUID, op.Object, op.Object2, nil, effectTS)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) resolveTxnOpCollection(op *session.Op) (storage.CollectionInfo, error) {
	if op.UUID != nil && op.UUID.Subtype == 4 && len(op.UUID.Data) == 16 {
		var u uuid.UUID
		copy(u[:], op.UUID.Data)
		info, found, err := a.store.CollectionByUUID(u)
		if err != nil {
			return storage.CollectionInfo{}, err
		}
		if found {
			return info, nil
		}
	}
	info, found, err := a.store.Collection(op.Namespace)
	if err != nil {
		return storage.CollectionInfo{}, err
	}
	if !found {
		return storage.CollectionInfo{}, dberr.Newf(dberr.CodeNamespaceNotFound,
			"collection %s not found", op.Namespace)
	}
	return info, nil
}
