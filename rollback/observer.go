package rollback

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/session"
)

// Event summarizes everything a rollback reverted. It is folded entry by
// entry during the common point search and handed to subscribers as an
// immutable snapshot after recovery completes, never during.
type Event struct {
	Namespaces    map[string]struct{}
	SessionIDs    map[uuid.UUID]struct{}
	CommandCounts map[string]int64

	// DeletedIDs holds, per collection, the ids of documents whose current
	// value will not survive the rollback, keyed by canonical id bytes.
	DeletedIDs map[uuid.UUID]map[string]bson.RawValue

	ShardIdentityRolledBack             bool
	ConfigServerConfigVersionRolledBack bool
	EntriesObserved                     int64
}

// countFix is the per-collection count bookkeeping accumulated while
// walking reverted entries. delta is the net adjustment to undo the
// observed inserts and deletes; restored is the authoritative pre-drop
// count carried by drop and rename entries.
type countFix struct {
	delta    int64
	restored *int64
	fullScan bool
}

type observer struct {
	event  Event
	counts map[uuid.UUID]*countFix
}

func newObserver() *observer {
	return &observer{
		event: Event{
			Namespaces:    make(map[string]struct{}),
			SessionIDs:    make(map[uuid.UUID]struct{}),
			CommandCounts: make(map[string]int64),
			DeletedIDs:    make(map[uuid.UUID]map[string]bson.RawValue),
		},
		counts: make(map[uuid.UUID]*countFix),
	}
}

func (o *observer) fix(coll uuid.UUID) *countFix {
	f, ok := o.counts[coll]
	if !ok {
		f = &countFix{}
		o.counts[coll] = f
	}
	return f
}

func (o *observer) recordID(coll uuid.UUID, id bson.RawValue) {
	ids, ok := o.event.DeletedIDs[coll]
	if !ok {
		ids = make(map[string]bson.RawValue)
		o.event.DeletedIDs[coll] = ids
	}
	ids[string(id.Type)+string(id.Value)] = id
}

// observe folds one reverted local entry into the event and the count plan.
func (o *observer) observe(e *oplog.Entry) error {
	o.event.EntriesObserved++
	if e.Namespace != "" {
		o.event.Namespaces[e.Namespace] = struct{}{}
	}
	if len(e.LSID) > 0 {
		sid, err := session.ParseID(e.LSID)
		if err != nil {
			return err
		}
		o.event.SessionIDs[sid] = struct{}{}
	}
	switch e.Operation {
	case oplog.OpInsert, oplog.OpUpdate, oplog.OpDelete:
		coll, ok := e.CollectionUUID()
		if !ok {
			return dberr.Newf(dberr.CodeInvalidFormat, "reverted %s entry at %v has no collection id",
				e.Operation, e.Timestamp)
		}
		o.observeCRUD(e.Operation, coll, e.Object, e.Object2, e.Namespace)
	case oplog.OpCommand:
		return o.observeCommand(e)
	}
	return nil
}

func (o *observer) observeCRUD(op oplog.OpType, coll uuid.UUID, obj, obj2 bson.Raw, ns string) {
	switch op {
	case oplog.OpInsert:
		o.fix(coll).delta--
		if id, ok := lookupID(obj); ok {
			o.recordID(coll, id)
			o.observeSpecialDoc(ns, id)
		}
	case oplog.OpUpdate:
		if id, ok := lookupID(obj2); ok {
			o.recordID(coll, id)
			o.observeSpecialDoc(ns, id)
		}
	case oplog.OpDelete:
		o.fix(coll).delta++
		if id, ok := lookupID(obj); ok {
			o.recordID(coll, id)
			o.observeSpecialDoc(ns, id)
		}
	}
}

// observeSpecialDoc flags documents that outside subsystems must react to
// when their local copy is rewound.
func (o *observer) observeSpecialDoc(ns string, id bson.RawValue) {
	if ns == "admin.system.version" {
		if s, ok := id.StringValueOK(); ok && s == "shardIdentity" {
			o.event.ShardIdentityRolledBack = true
		}
	}
	if ns == "config.version" {
		o.event.ConfigServerConfigVersionRolledBack = true
	}
}

func (o *observer) observeCommand(e *oplog.Entry) error {
	elems, err := e.Object.Elements()
	if err != nil || len(elems) == 0 {
		return dberr.Wrap(dberr.CodeInvalidFormat, "reverted command entry has no command", err)
	}
	name := elems[0].Key()
	o.event.CommandCounts[name]++

	switch name {
	case "drop":
		coll, ok := e.CollectionUUID()
		if !ok {
			return dberr.Newf(dberr.CodeInvalidFormat, "drop entry at %v has no collection id", e.Timestamp)
		}
		o.observeDroppedCount(coll, e.Object2)
	case "renameCollection":
		// A rename that dropped its target needs the target's count put
		// back; the surviving source keeps its own count.
		if v, err := e.Object.LookupErr("dropTarget"); err == nil {
			if sub, data, ok := v.BinaryOK(); ok && sub == 0x04 && len(data) == 16 {
				var target uuid.UUID
				copy(target[:], data)
				o.observeDroppedCount(target, e.Object2)
			}
		}
	case "applyOps":
		ops, err := session.ParseApplyOps(e.Object)
		if err != nil {
			return err
		}
		for i := range ops {
			op := &ops[i]
			if op.UUID == nil || len(op.UUID.Data) != 16 {
				continue
			}
			var coll uuid.UUID
			copy(coll[:], op.UUID.Data)
			if op.Namespace != "" {
				o.event.Namespaces[op.Namespace] = struct{}{}
			}
			o.observeCRUD(op.Operation, coll, op.Object, op.Object2, op.Namespace)
		}
	}
	return nil
}

// observeDroppedCount extracts the pre-drop record count from the entry's
// operation context. A missing or negative count forces a full scan after
// recovery.
func (o *observer) observeDroppedCount(coll uuid.UUID, obj2 bson.Raw) {
	f := o.fix(coll)
	if v, err := obj2.LookupErr("numRecords"); err == nil {
		var n int64
		ok := false
		if i64, k := v.Int64OK(); k {
			n, ok = i64, true
		} else if i32, k := v.Int32OK(); k {
			n, ok = int64(i32), true
		}
		if ok && n >= 0 {
			f.restored = &n
			return
		}
	}
	f.fullScan = true
}

func lookupID(doc bson.Raw) (bson.RawValue, bool) {
	if len(doc) == 0 {
		return bson.RawValue{}, false
	}
	v, err := doc.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// snapshot deep-copies the folded event so subscribers cannot see later
// mutation.
func (o *observer) snapshot() Event {
	ev := Event{
		Namespaces:    make(map[string]struct{}, len(o.event.Namespaces)),
		SessionIDs:    make(map[uuid.UUID]struct{}, len(o.event.SessionIDs)),
		CommandCounts: make(map[string]int64, len(o.event.CommandCounts)),
		DeletedIDs:    make(map[uuid.UUID]map[string]bson.RawValue, len(o.event.DeletedIDs)),

		ShardIdentityRolledBack:             o.event.ShardIdentityRolledBack,
		ConfigServerConfigVersionRolledBack: o.event.ConfigServerConfigVersionRolledBack,
		EntriesObserved:                     o.event.EntriesObserved,
	}
	for ns := range o.event.Namespaces {
		ev.Namespaces[ns] = struct{}{}
	}
	for sid := range o.event.SessionIDs {
		ev.SessionIDs[sid] = struct{}{}
	}
	for name, n := range o.event.CommandCounts {
		ev.CommandCounts[name] = n
	}
	for coll, ids := range o.event.DeletedIDs {
		cp := make(map[string]bson.RawValue, len(ids))
		for k, v := range ids {
			cp[k] = v
		}
		ev.DeletedIDs[coll] = cp
	}
	return ev
}
