package apply

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/session"
	"tidedb/storage"
)

// commandSpec pairs a command's apply function with the errors idempotent
// replay is allowed to swallow.
type commandSpec struct {
	apply      func(a *Applier, e *oplog.Entry) error
	acceptable map[dberr.Code]struct{}
}

var commands = map[string]commandSpec{
	"create": {
		apply:      applyCreate,
		acceptable: codes(dberr.CodeNamespaceExists),
	},
	"createIndexes": {
		apply:      applyCreateIndexes,
		acceptable: codes(dberr.CodeIndexAlreadyExists, dberr.CodeIndexBuildAlreadyInProgress, dberr.CodeNamespaceNotFound),
	},
	"startIndexBuild": {
		apply:      applyStartIndexBuild,
		acceptable: codes(dberr.CodeIndexAlreadyExists, dberr.CodeIndexBuildAlreadyInProgress, dberr.CodeNamespaceNotFound),
	},
	"commitIndexBuild": {
		apply:      applyCommitIndexBuild,
		acceptable: codes(dberr.CodeIndexAlreadyExists, dberr.CodeNamespaceNotFound),
	},
	"abortIndexBuild": {
		apply:      applyAbortIndexBuild,
		acceptable: codes(dberr.CodeIndexNotFound, dberr.CodeNamespaceNotFound),
	},
	"drop": {
		apply:      applyDrop,
		acceptable: codes(dberr.CodeNamespaceNotFound),
	},
	"dropDatabase": {
		apply:      applyDropDatabase,
		acceptable: codes(dberr.CodeNamespaceNotFound),
	},
	"renameCollection": {
		apply:      applyRenameCollection,
		acceptable: codes(dberr.CodeNamespaceNotFound, dberr.CodeNamespaceExists),
	},
	"collMod": {
		apply:      applyCollMod,
		acceptable: codes(dberr.CodeIndexNotFound, dberr.CodeNamespaceNotFound),
	},
	"applyOps": {
		apply: applyApplyOps,
	},
	"commitTransaction": {
		apply: applyCommitTransaction,
	},
	"abortTransaction": {
		apply: applyAbortTransaction,
	},
}

func codes(cs ...dberr.Code) map[dberr.Code]struct{} {
	m := make(map[dberr.Code]struct{}, len(cs))
	for _, c := range cs {
		m[c] = struct{}{}
	}
	return m
}

// applyCommand dispatches through the command table. Unknown commands are
// fatal: skipping one would silently diverge from the primary.
func (a *Applier) applyCommand(e *oplog.Entry) error {
	name := e.CommandName()
	spec, ok := commands[name]
	if !ok {
		return dberr.Newf(dberr.CodeInvalidFormat, "unknown command %q in oplog entry %v", name, e.OpTime())
	}
	var target uuid.UUID
	if u, ok := e.CollectionUUID(); ok {
		target = u
	}
	err := a.withRetries(target, func() error {
		return spec.apply(a, e)
	})
	if err != nil && dberr.IsAcceptable(err, spec.acceptable) {
		a.logger.Debug("swallowing acceptable command error",
			"command", name, "ns", e.Namespace, "err", err)
		return nil
	}
	return err
}

// commandTarget resolves "db.$cmd" plus the command's collection value into
// the target namespace.
func commandTarget(e *oplog.Entry, collField string) (string, error) {
	v, err := e.Object.LookupErr(collField)
	if err != nil {
		return "", dberr.Wrap(dberr.CodeInvalidFormat, "command missing collection field", err)
	}
	coll, ok := v.StringValueOK()
	if !ok {
		return "", dberr.New(dberr.CodeTypeMismatch, "command collection field is not a string")
	}
	return storage.DBOf(e.Namespace) + "." + coll, nil
}

func applyCreate(a *Applier, e *oplog.Entry) error {
	ns, err := commandTarget(e, "create")
	if err != nil {
		return err
	}
	u, ok := e.CollectionUUID()
	if !ok {
		u = uuid.New()
	}
	return a.store.CreateCollection(ns, u, e.Object)
}

func indexBuildTarget(a *Applier, e *oplog.Entry, collField string) (storage.CollectionInfo, string, bson.Raw, error) {
	ns, err := commandTarget(e, collField)
	if err != nil {
		return storage.CollectionInfo{}, "", nil, err
	}
	info, found, err := a.store.Collection(ns)
	if err != nil {
		return storage.CollectionInfo{}, "", nil, err
	}
	if !found {
		return storage.CollectionInfo{}, "", nil, dberr.Newf(dberr.CodeNamespaceNotFound, "collection %s not found", ns)
	}
	name := "unnamed"
	if v, err := e.Object.LookupErr("name"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			name = s
		}
	}
	// Two-phase builds carry the spec list under indexes; single-phase
	// carries the spec fields inline.
	spec := e.Object
	if v, err := e.Object.LookupErr("indexes"); err == nil {
		if arr, ok := v.ArrayOK(); ok {
			if vals, err := arr.Values(); err == nil && len(vals) > 0 {
				if doc, ok := vals[0].DocumentOK(); ok {
					spec = doc
					if nv, err := doc.LookupErr("name"); err == nil {
						if s, ok := nv.StringValueOK(); ok {
							name = s
						}
					}
				}
			}
		}
	}
	return info, name, spec, nil
}

func applyCreateIndexes(a *Applier, e *oplog.Entry) error {
	info, name, spec, err := indexBuildTarget(a, e, "createIndexes")
	if err != nil {
		return err
	}
	return a.indexes.create(info.UUID, name, spec)
}

func applyStartIndexBuild(a *Applier, e *oplog.Entry) error {
	info, name, spec, err := indexBuildTarget(a, e, "startIndexBuild")
	if err != nil {
		return err
	}
	return a.indexes.start(info.UUID, name, spec)
}

func applyCommitIndexBuild(a *Applier, e *oplog.Entry) error {
	info, name, spec, err := indexBuildTarget(a, e, "commitIndexBuild")
	if err != nil {
		return err
	}
	return a.indexes.commit(info.UUID, name, spec)
}

func applyAbortIndexBuild(a *Applier, e *oplog.Entry) error {
	info, name, _, err := indexBuildTarget(a, e, "abortIndexBuild")
	if err != nil {
		return err
	}
	a.indexes.abort(info.UUID, name)
	return nil
}

func applyDrop(a *Applier, e *oplog.Entry) error {
	ns, err := commandTarget(e, "drop")
	if err != nil {
		return err
	}
	info, found, err := a.store.Collection(ns)
	if err != nil {
		return err
	}
	if !found {
		return dberr.Newf(dberr.CodeNamespaceNotFound, "collection %s not found", ns)
	}
	a.indexes.dropCollection(info.UUID)
	_, err = a.store.DropCollection(ns)
	return err
}

func applyDropDatabase(a *Applier, e *oplog.Entry) error {
	db := storage.DBOf(e.Namespace)
	infos, err := a.store.ListCollections(db)
	if err != nil {
		return err
	}
	for _, info := range infos {
		a.indexes.dropCollection(info.UUID)
	}
	return a.store.DropDatabase(db)
}

func applyRenameCollection(a *Applier, e *oplog.Entry) error {
	fromV, err := e.Object.LookupErr("renameCollection")
	if err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "renameCollection missing source", err)
	}
	toV, err := e.Object.LookupErr("to")
	if err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "renameCollection missing target", err)
	}
	from, ok := fromV.StringValueOK()
	if !ok {
		return dberr.New(dberr.CodeTypeMismatch, "renameCollection source is not a string")
	}
	to, ok := toV.StringValueOK()
	if !ok {
		return dberr.New(dberr.CodeTypeMismatch, "renameCollection target is not a string")
	}
	dropTarget := false
	if v, err := e.Object.LookupErr("dropTarget"); err == nil {
		if bv, ok := v.BooleanOK(); ok {
			dropTarget = bv
		}
	}
	return a.store.RenameCollection(from, to, dropTarget)
}

func applyCollMod(a *Applier, e *oplog.Entry) error {
	ns, err := commandTarget(e, "collMod")
	if err != nil {
		return err
	}
	info, found, err := a.store.Collection(ns)
	if err != nil {
		return err
	}
	if !found {
		return dberr.Newf(dberr.CodeNamespaceNotFound, "collection %s not found", ns)
	}
	idxV, err := e.Object.LookupErr("index")
	if err != nil {
		// Option-only mods have nothing to do at this layer.
		return nil
	}
	idx, ok := idxV.DocumentOK()
	if !ok {
		return dberr.New(dberr.CodeTypeMismatch, "collMod index is not a document")
	}
	name := ""
	if v, err := idx.LookupErr("name"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			name = s
		}
	}
	if _, ok := a.indexes.lookup(info.UUID, name); !ok {
		return dberr.Newf(dberr.CodeIndexNotFound, "index %q not found on %s", name, ns)
	}
	a.indexes.setSpec(info.UUID, name, idx)
	return nil
}

// applyApplyOps covers three shapes: a plain atomic op list, a partial
// transaction link (held until commit), and a transactional terminal entry
// (prepare or implicit unprepared commit).
func applyApplyOps(a *Applier, e *oplog.Entry) error {
	if e.IsPartialTxn() {
		// The effects land when the chain terminates.
		return nil
	}
	if e.IsPrepare() {
		sid, err := session.ParseID(e.LSID)
		if err != nil {
			return err
		}
		ops, err := session.CollectTxnOps(a.log, *e)
		if err != nil {
			return err
		}
		p, err := a.sessions.Checkout(sid)
		if err != nil {
			return err
		}
		defer p.Release()
		return p.OnPrepareApplied(*e.TxnNumber, ops, e.OpTime())
	}
	if e.IsTransactional() {
		// Unprepared commit: the terminal entry of the chain.
		ops, err := session.CollectTxnOps(a.log, *e)
		if err != nil {
			return err
		}
		if err := a.ApplyTxnOps(ops, e.Timestamp); err != nil {
			return err
		}
		return a.sessions.ObserveWrite(e.LSID, *e.TxnNumber, nil, e.OpTime())
	}
	ops, err := session.ParseApplyOps(e.Object)
	if err != nil {
		return err
	}
	return a.ApplyTxnOps(ops, e.Timestamp)
}

func applyCommitTransaction(a *Applier, e *oplog.Entry) error {
	sid, err := session.ParseID(e.LSID)
	if err != nil {
		return err
	}
	ctsV, err := e.Object.LookupErr("commitTimestamp")
	if err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "commitTransaction missing commitTimestamp", err)
	}
	t, i, ok := ctsV.TimestampOK()
	if !ok {
		return dberr.New(dberr.CodeTypeMismatch, "commitTimestamp is not a timestamp")
	}
	commitTS := primitive.Timestamp{T: t, I: i}

	p, err := a.sessions.Checkout(sid)
	if err != nil {
		return err
	}
	defer p.Release()
	if p.State() == session.TxnPrepared {
		return p.OnCommitPreparedApplied(commitTS, e.OpTime(), a)
	}
	// No prepare held in memory (restart or recovery replay); reconstruct
	// the transaction from the log.
	ops, err := session.CollectTxnOps(a.log, *e)
	if err != nil {
		return err
	}
	if err := a.ApplyTxnOps(ops, commitTS); err != nil {
		return err
	}
	return a.sessions.ObserveWrite(e.LSID, *e.TxnNumber, nil, e.OpTime())
}

func applyAbortTransaction(a *Applier, e *oplog.Entry) error {
	sid, err := session.ParseID(e.LSID)
	if err != nil {
		return err
	}
	p, err := a.sessions.Checkout(sid)
	if err != nil {
		return err
	}
	defer p.Release()
	return p.OnAbortApplied(e.OpTime())
}
