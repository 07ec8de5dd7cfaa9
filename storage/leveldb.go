package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
)

// Engine is the goleveldb-backed implementation of Interface. Documents are
// stored versioned: every write lands under (uuid, _id, reverse-ts), reads
// pick the newest version, and RecoverToStableTimestamp discards versions
// newer than the stable point together with catalog changes past it.
type Engine struct {
	mu     sync.RWMutex
	ldb    *leveldb.DB
	logger *slog.Logger

	stable      primitive.Timestamp
	initialData primitive.Timestamp

	onOplogVisible func(primitive.Timestamp)
}

var _ Interface = (*Engine)(nil)

const (
	prefixCatalog = 'c'
	prefixUUID    = 'u'
	prefixDoc     = 'd'
	keyCheckpoint = "s"
	keyLastStable = "r"
)

const (
	valueDoc       = 0
	valueTombstone = 1
)

// Open opens the engine under dir.
func Open(dir string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ldb, err := leveldb.OpenFile(dir, &opt.Options{
		BlockCacheCapacity:     16 * 1024 * 1024,
		WriteBuffer:            8 * 1024 * 1024,
		OpenFilesCacheCapacity: 64,
	})
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "open storage engine", err)
	}
	e := &Engine{ldb: ldb, logger: logger}
	if raw, err := ldb.Get([]byte(keyCheckpoint), nil); err == nil {
		var cp checkpoint
		if err := bson.Unmarshal(raw, &cp); err == nil {
			e.stable = cp.TS
		}
	}
	return e, nil
}

func (e *Engine) Close() error { return e.ldb.Close() }

// --- keys ---

func catalogKey(ns string) []byte {
	return append([]byte{prefixCatalog}, ns...)
}

func uuidKey(id uuid.UUID) []byte {
	return append([]byte{prefixUUID}, id[:]...)
}

// docIDKey renders a bson value as a self-delimiting key component:
// 4-byte length, type byte, value bytes.
func docIDKey(v bson.RawValue) []byte {
	k := make([]byte, 0, 5+len(v.Value))
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(1+len(v.Value)))
	k = append(k, l[:]...)
	k = append(k, byte(v.Type))
	k = append(k, v.Value...)
	return k
}

// versionKey orders versions of one document newest-first.
func versionKey(coll uuid.UUID, docID bson.RawValue, ts primitive.Timestamp) []byte {
	k := make([]byte, 0, 17+5+len(docID.Value)+8)
	k = append(k, prefixDoc)
	k = append(k, coll[:]...)
	k = append(k, docIDKey(docID)...)
	var rev [8]byte
	binary.BigEndian.PutUint32(rev[0:4], ^ts.T)
	binary.BigEndian.PutUint32(rev[4:8], ^ts.I)
	return append(k, rev[:]...)
}

func docPrefix(coll uuid.UUID, docID bson.RawValue) []byte {
	k := make([]byte, 0, 17+5+len(docID.Value))
	k = append(k, prefixDoc)
	k = append(k, coll[:]...)
	return append(k, docIDKey(docID)...)
}

func collPrefix(coll uuid.UUID) []byte {
	k := make([]byte, 0, 17)
	k = append(k, prefixDoc)
	return append(k, coll[:]...)
}

func versionTS(key []byte) primitive.Timestamp {
	rev := key[len(key)-8:]
	return primitive.Timestamp{
		T: ^binary.BigEndian.Uint32(rev[0:4]),
		I: ^binary.BigEndian.Uint32(rev[4:8]),
	}
}

// --- catalog ---

func (e *Engine) getInfoLocked(ns string) (CollectionInfo, bool, error) {
	raw, err := e.ldb.Get(catalogKey(ns), nil)
	if err == ldberrors.ErrNotFound {
		return CollectionInfo{}, false, nil
	}
	if err != nil {
		return CollectionInfo{}, false, dberr.Wrap(dberr.CodeInvalidFormat, "read catalog", err)
	}
	return decodeInfo(raw)
}

func decodeInfo(raw []byte) (CollectionInfo, bool, error) {
	var info CollectionInfo
	if err := bson.Unmarshal(raw, &info); err != nil {
		return CollectionInfo{}, false, dberr.Wrap(dberr.CodeInvalidFormat, "decode catalog entry", err)
	}
	id, err := uuid.Parse(info.UUIDHex)
	if err != nil {
		return CollectionInfo{}, false, dberr.Wrap(dberr.CodeInvalidFormat, "decode catalog uuid", err)
	}
	info.UUID = id
	return info, true, nil
}

func (e *Engine) putInfoLocked(batch *leveldb.Batch, info CollectionInfo) error {
	info.UUIDHex = info.UUID.String()
	raw, err := bson.Marshal(&info)
	if err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "encode catalog entry", err)
	}
	if batch != nil {
		batch.Put(catalogKey(info.NS), raw)
		return nil
	}
	return dberr.Wrap(dberr.CodeInvalidFormat, "write catalog entry",
		e.ldb.Put(catalogKey(info.NS), raw, nil))
}

func (e *Engine) CreateCollection(ns string, id uuid.UUID, options bson.Raw) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, found, err := e.getInfoLocked(ns); err != nil {
		return err
	} else if found && !info.DropPending {
		return dberr.Newf(dberr.CodeNamespaceExists, "collection %s exists", ns)
	}
	batch := new(leveldb.Batch)
	if err := e.putInfoLocked(batch, CollectionInfo{NS: ns, UUID: id, Options: options}); err != nil {
		return err
	}
	batch.Put(uuidKey(id), []byte(ns))
	return dberr.Wrap(dberr.CodeInvalidFormat, "create collection", e.ldb.Write(batch, nil))
}

// DropCollection marks the collection drop-pending and returns its pre-drop
// count. Data is retained so stable-timestamp recovery can resurrect it; the
// reaper purges it later.
func (e *Engine) DropCollection(ns string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropLocked(ns)
}

func (e *Engine) dropLocked(ns string) (int64, error) {
	info, found, err := e.getInfoLocked(ns)
	if err != nil {
		return 0, err
	}
	if !found || info.DropPending {
		return 0, dberr.Newf(dberr.CodeNamespaceNotFound, "collection %s not found", ns)
	}
	count := info.Count
	db, coll := SplitNS(ns)
	batch := new(leveldb.Batch)
	batch.Delete(catalogKey(ns))
	info.DropPending = true
	info.DropTS = e.stable
	// The entry moves to a drop-pending namespace so the original name is
	// immediately reusable.
	info.NS = fmt.Sprintf("%s.system.drop.%di%d.%s", db, e.stable.T, e.stable.I, coll)
	if err := e.putInfoLocked(batch, info); err != nil {
		return 0, err
	}
	batch.Put(uuidKey(info.UUID), []byte(info.NS))
	if err := e.ldb.Write(batch, nil); err != nil {
		return 0, dberr.Wrap(dberr.CodeInvalidFormat, "drop collection", err)
	}
	return count, nil
}

func (e *Engine) RenameCollection(from, to string, dropTarget bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, found, err := e.getInfoLocked(from)
	if err != nil {
		return err
	}
	if !found || info.DropPending {
		return dberr.Newf(dberr.CodeNamespaceNotFound, "collection %s not found", from)
	}
	if tgt, foundTgt, err := e.getInfoLocked(to); err != nil {
		return err
	} else if foundTgt && !tgt.DropPending {
		if !dropTarget {
			return dberr.Newf(dberr.CodeNamespaceExists, "rename target %s exists", to)
		}
		if _, err := e.dropLocked(to); err != nil {
			return err
		}
	}
	batch := new(leveldb.Batch)
	batch.Delete(catalogKey(from))
	info.NS = to
	if err := e.putInfoLocked(batch, info); err != nil {
		return err
	}
	batch.Put(uuidKey(info.UUID), []byte(to))
	return dberr.Wrap(dberr.CodeInvalidFormat, "rename collection", e.ldb.Write(batch, nil))
}

func (e *Engine) TruncateCollection(ns string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, found, err := e.getInfoLocked(ns)
	if err != nil {
		return err
	}
	if !found {
		return dberr.Newf(dberr.CodeNamespaceNotFound, "collection %s not found", ns)
	}
	if err := e.purgeDataLocked(info.UUID); err != nil {
		return err
	}
	info.Count = 0
	return e.putInfoLocked(nil, info)
}

func (e *Engine) purgeDataLocked(id uuid.UUID) error {
	it := e.ldb.NewIterator(util.BytesPrefix(collPrefix(id)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "purge scan", err)
	}
	return dberr.Wrap(dberr.CodeInvalidFormat, "purge collection data", e.ldb.Write(batch, nil))
}

func (e *Engine) DropDatabase(db string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos, err := e.listCollectionsLocked(db, false)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if _, err := e.dropLocked(info.NS); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ListDatabases() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := map[string]struct{}{}
	infos, err := e.listCollectionsLocked("", false)
	if err != nil {
		return nil, err
	}
	var dbs []string
	for _, info := range infos {
		db := DBOf(info.NS)
		if _, ok := seen[db]; !ok {
			seen[db] = struct{}{}
			dbs = append(dbs, db)
		}
	}
	sort.Strings(dbs)
	return dbs, nil
}

func (e *Engine) ListCollections(db string) ([]CollectionInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listCollectionsLocked(db, false)
}

// listCollectionsLocked returns collections of db ("" for all), optionally
// including drop-pending ones.
func (e *Engine) listCollectionsLocked(db string, includeDropPending bool) ([]CollectionInfo, error) {
	it := e.ldb.NewIterator(util.BytesPrefix([]byte{prefixCatalog}), nil)
	defer it.Release()
	var out []CollectionInfo
	for it.Next() {
		info, _, err := decodeInfo(append([]byte(nil), it.Value()...))
		if err != nil {
			return nil, err
		}
		if info.DropPending && !includeDropPending {
			continue
		}
		if db != "" && DBOf(info.NS) != db {
			continue
		}
		out = append(out, info)
	}
	return out, dberr.Wrap(dberr.CodeInvalidFormat, "list collections", it.Error())
}

func (e *Engine) Collection(ns string) (CollectionInfo, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, found, err := e.getInfoLocked(ns)
	if found && info.DropPending {
		return CollectionInfo{}, false, err
	}
	return info, found, err
}

func (e *Engine) CollectionByUUID(id uuid.UUID) (CollectionInfo, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byUUIDLocked(id)
}

func (e *Engine) byUUIDLocked(id uuid.UUID) (CollectionInfo, bool, error) {
	nsRaw, err := e.ldb.Get(uuidKey(id), nil)
	if err == ldberrors.ErrNotFound {
		return CollectionInfo{}, false, nil
	}
	if err != nil {
		return CollectionInfo{}, false, dberr.Wrap(dberr.CodeInvalidFormat, "read uuid index", err)
	}
	info, found, err := e.getInfoLocked(string(nsRaw))
	if found && info.DropPending {
		return CollectionInfo{}, false, err
	}
	return info, found, err
}

// --- documents ---

func mustID(doc bson.Raw) (bson.RawValue, error) {
	v, err := doc.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, dberr.New(dberr.CodeNoSuchKey, "document has no _id")
	}
	return v, nil
}

func (e *Engine) newestVersionLocked(coll uuid.UUID, docID bson.RawValue) (bson.Raw, bool, error) {
	it := e.ldb.NewIterator(util.BytesPrefix(docPrefix(coll, docID)), nil)
	defer it.Release()
	if !it.Next() {
		return nil, false, dberr.Wrap(dberr.CodeInvalidFormat, "version scan", it.Error())
	}
	val := append([]byte(nil), it.Value()...)
	if val[0] == valueTombstone {
		return nil, false, nil
	}
	return bson.Raw(val[1:]), true, nil
}

func (e *Engine) InsertDocument(coll uuid.UUID, doc bson.Raw, ts primitive.Timestamp) error {
	docID, err := mustID(doc)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, live, err := e.newestVersionLocked(coll, docID); err != nil {
		return err
	} else if live {
		return dberr.Newf(dberr.CodeDuplicateKey, "duplicate _id in %s", coll)
	}
	return e.writeVersionLocked(coll, docID, doc, ts, +1)
}

func (e *Engine) UpsertByID(coll uuid.UUID, docID bson.RawValue, doc bson.Raw, ts primitive.Timestamp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, live, err := e.newestVersionLocked(coll, docID)
	if err != nil {
		return err
	}
	delta := int64(0)
	if !live {
		delta = 1
	}
	return e.writeVersionLocked(coll, docID, doc, ts, delta)
}

func (e *Engine) DeleteByID(coll uuid.UUID, docID bson.RawValue, ts primitive.Timestamp) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, live, err := e.newestVersionLocked(coll, docID)
	if err != nil {
		return false, err
	}
	if !live {
		return false, nil
	}
	if err := e.writeVersionLocked(coll, docID, nil, ts, -1); err != nil {
		return false, err
	}
	return true, nil
}

// writeVersionLocked records a version (doc == nil means tombstone) and
// adjusts the collection count by delta.
func (e *Engine) writeVersionLocked(coll uuid.UUID, docID bson.RawValue, doc bson.Raw, ts primitive.Timestamp, delta int64) error {
	val := make([]byte, 1+len(doc))
	if doc == nil {
		val[0] = valueTombstone
	} else {
		copy(val[1:], doc)
	}
	batch := new(leveldb.Batch)
	batch.Put(versionKey(coll, docID, ts), val)
	if delta != 0 {
		info, found, err := e.byUUIDLocked(coll)
		if err != nil {
			return err
		}
		if found {
			info.Count += delta
			if err := e.putInfoLocked(batch, info); err != nil {
				return err
			}
		}
	}
	return dberr.Wrap(dberr.CodeInvalidFormat, "write document version", e.ldb.Write(batch, nil))
}

func (e *Engine) FindByID(coll uuid.UUID, docID bson.RawValue) (bson.Raw, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.newestVersionLocked(coll, docID)
}

// FindByIDAt reads the document as of ts: the newest version with
// version-ts <= ts. Used to observe prepared-transaction effect times.
func (e *Engine) FindByIDAt(coll uuid.UUID, docID bson.RawValue, ts primitive.Timestamp) (bson.Raw, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	it := e.ldb.NewIterator(util.BytesPrefix(docPrefix(coll, docID)), nil)
	defer it.Release()
	for it.Next() {
		vts := versionTS(it.Key())
		if primitive.CompareTimestamp(vts, ts) > 0 {
			continue
		}
		val := append([]byte(nil), it.Value()...)
		if val[0] == valueTombstone {
			return nil, false, nil
		}
		return bson.Raw(val[1:]), true, nil
	}
	return nil, false, dberr.Wrap(dberr.CodeInvalidFormat, "versioned read", it.Error())
}

// DeleteByFilter removes every live document whose top-level fields equal
// the filter's. Returns the number removed.
func (e *Engine) DeleteByFilter(coll uuid.UUID, filter bson.Raw, ts primitive.Timestamp) (int64, error) {
	ids, err := e.matchingIDs(coll, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		found, err := e.DeleteByID(coll, id, ts)
		if err != nil {
			return n, err
		}
		if found {
			n++
		}
	}
	return n, nil
}

func (e *Engine) matchingIDs(coll uuid.UUID, filter bson.Raw) ([]bson.RawValue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []bson.RawValue
	err := e.forEachLiveLocked(coll, func(doc bson.Raw) error {
		elems, err := filter.Elements()
		if err != nil {
			return dberr.Wrap(dberr.CodeInvalidFormat, "decode filter", err)
		}
		for _, el := range elems {
			v, err := doc.LookupErr(el.Key())
			if err != nil || !v.Equal(el.Value()) {
				return nil
			}
		}
		id, err := mustID(doc)
		if err != nil {
			return err
		}
		ids = append(ids, bson.RawValue{Type: id.Type, Value: append([]byte(nil), id.Value...)})
		return nil
	})
	return ids, err
}

// forEachLiveLocked visits the newest live version of every document.
func (e *Engine) forEachLiveLocked(coll uuid.UUID, fn func(doc bson.Raw) error) error {
	it := e.ldb.NewIterator(util.BytesPrefix(collPrefix(coll)), nil)
	defer it.Release()
	var lastDocKey []byte
	for it.Next() {
		key := it.Key()
		docKey := key[:len(key)-8]
		if bytes.Equal(docKey, lastDocKey) {
			continue // older version of the same document
		}
		lastDocKey = append(lastDocKey[:0], docKey...)
		val := it.Value()
		if val[0] == valueTombstone {
			continue
		}
		if err := fn(bson.Raw(append([]byte(nil), val[1:]...))); err != nil {
			return err
		}
	}
	return dberr.Wrap(dberr.CodeInvalidFormat, "live scan", it.Error())
}

// ForEachDocument visits every live document of a collection; the cloner
// source and rollback file writer use it.
func (e *Engine) ForEachDocument(coll uuid.UUID, fn func(doc bson.Raw) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.forEachLiveLocked(coll, fn)
}

// --- counts ---

func (e *Engine) SetCollectionCount(coll uuid.UUID, n int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, found, err := e.byUUIDLocked(coll)
	if err != nil {
		return err
	}
	if !found {
		return dberr.Newf(dberr.CodeNamespaceNotFound, "no collection with uuid %s", coll)
	}
	info.Count = n
	return e.putInfoLocked(nil, info)
}

func (e *Engine) GetCollectionCount(coll uuid.UUID) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, found, err := e.byUUIDLocked(coll)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, dberr.Newf(dberr.CodeNamespaceNotFound, "no collection with uuid %s", coll)
	}
	return info.Count, nil
}

func (e *Engine) CountByScan(coll uuid.UUID) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var n int64
	err := e.forEachLiveLocked(coll, func(bson.Raw) error {
		n++
		return nil
	})
	return n, err
}

// --- timestamps and recovery ---

type checkpoint struct {
	TS          primitive.Timestamp `bson:"ts"`
	Collections []CollectionInfo    `bson:"collections"`
}

// SetStableTimestamp advances the stable point and snapshots the catalog so
// RecoverToStableTimestamp can restore it.
func (e *Engine) SetStableTimestamp(ts primitive.Timestamp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos, err := e.listCollectionsLocked("", true)
	if err != nil {
		return err
	}
	for i := range infos {
		infos[i].UUIDHex = infos[i].UUID.String()
	}
	raw, err := bson.Marshal(&checkpoint{TS: ts, Collections: infos})
	if err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "encode checkpoint", err)
	}
	if err := e.ldb.Put([]byte(keyCheckpoint), raw, nil); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "write checkpoint", err)
	}
	e.stable = ts
	return nil
}

func (e *Engine) StableTimestamp() primitive.Timestamp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stable
}

func (e *Engine) SetInitialDataTimestamp(ts primitive.Timestamp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialData = ts
}

func (e *Engine) InitialDataTimestamp() primitive.Timestamp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialData
}

// RecoverToStableTimestamp reverts document versions and the catalog to the
// last checkpoint. Counts are deliberately not recomputed: the rollback
// engine applies its own corrections afterwards.
func (e *Engine) RecoverToStableTimestamp() (primitive.Timestamp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.ldb.Get([]byte(keyCheckpoint), nil)
	if err == ldberrors.ErrNotFound {
		return primitive.Timestamp{}, dberr.New(dberr.CodeUnrecoverableRollbackError, "no stable checkpoint")
	}
	if err != nil {
		return primitive.Timestamp{}, dberr.Wrap(dberr.CodeInvalidFormat, "read checkpoint", err)
	}
	var cp checkpoint
	if err := bson.Unmarshal(raw, &cp); err != nil {
		return primitive.Timestamp{}, dberr.Wrap(dberr.CodeInvalidFormat, "decode checkpoint", err)
	}

	batch := new(leveldb.Batch)

	// Drop document versions newer than the stable point.
	it := e.ldb.NewIterator(util.BytesPrefix([]byte{prefixDoc}), nil)
	for it.Next() {
		if primitive.CompareTimestamp(versionTS(it.Key()), cp.TS) > 0 {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	scanErr := it.Error()
	it.Release()
	if scanErr != nil {
		return primitive.Timestamp{}, dberr.Wrap(dberr.CodeInvalidFormat, "recovery scan", scanErr)
	}

	// Replace the catalog with the checkpointed one.
	cit := e.ldb.NewIterator(util.BytesPrefix([]byte{prefixCatalog}), nil)
	for cit.Next() {
		batch.Delete(append([]byte(nil), cit.Key()...))
	}
	cit.Release()
	uit := e.ldb.NewIterator(util.BytesPrefix([]byte{prefixUUID}), nil)
	for uit.Next() {
		batch.Delete(append([]byte(nil), uit.Key()...))
	}
	uit.Release()
	for _, info := range cp.Collections {
		id, err := uuid.Parse(info.UUIDHex)
		if err != nil {
			return primitive.Timestamp{}, dberr.Wrap(dberr.CodeInvalidFormat, "checkpoint uuid", err)
		}
		info.UUID = id
		encoded, err := bson.Marshal(&info)
		if err != nil {
			return primitive.Timestamp{}, dberr.Wrap(dberr.CodeInvalidFormat, "encode checkpoint entry", err)
		}
		batch.Put(catalogKey(info.NS), encoded)
		batch.Put(uuidKey(id), []byte(info.NS))
	}

	tsRaw, _ := bson.Marshal(bson.D{{Key: "ts", Value: cp.TS}})
	batch.Put([]byte(keyLastStable), tsRaw)

	if err := e.ldb.Write(batch, nil); err != nil {
		return primitive.Timestamp{}, dberr.Wrap(dberr.CodeInvalidFormat, "apply recovery", err)
	}
	e.stable = cp.TS
	e.logger.Info("recovered to stable timestamp", "stable_ts", cp.TS)
	return cp.TS, nil
}

func (e *Engine) GetLastStableRecoveryTimestamp() (primitive.Timestamp, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	raw, err := e.ldb.Get([]byte(keyLastStable), nil)
	if err != nil {
		return primitive.Timestamp{}, false
	}
	v, err := bson.Raw(raw).LookupErr("ts")
	if err != nil {
		return primitive.Timestamp{}, false
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return primitive.Timestamp{}, false
	}
	return primitive.Timestamp{T: t, I: i}, true
}

// RegisterOplogVisibilitySink wires OplogDiskLocRegister to the log store.
func (e *Engine) RegisterOplogVisibilitySink(fn func(primitive.Timestamp)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOplogVisible = fn
}

func (e *Engine) OplogDiskLocRegister(ts primitive.Timestamp) {
	e.mu.RLock()
	fn := e.onOplogVisible
	e.mu.RUnlock()
	if fn != nil {
		fn(ts)
	}
}

// ClearDropPendingState discards drop-pending entries outright; after a
// rollback they no longer reflect durable state.
func (e *Engine) ClearDropPendingState() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos, err := e.listCollectionsLocked("", true)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if !info.DropPending {
			continue
		}
		if err := e.purgeDataLocked(info.UUID); err != nil {
			return err
		}
		batch := new(leveldb.Batch)
		batch.Delete(catalogKey(info.NS))
		batch.Delete(uuidKey(info.UUID))
		if err := e.ldb.Write(batch, nil); err != nil {
			return dberr.Wrap(dberr.CodeInvalidFormat, "clear drop-pending", err)
		}
	}
	return nil
}

// ReapDropPending purges the data of collections dropped at or before ts.
func (e *Engine) ReapDropPending(ts primitive.Timestamp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos, err := e.listCollectionsLocked("", true)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if !info.DropPending || primitive.CompareTimestamp(info.DropTS, ts) > 0 {
			continue
		}
		if err := e.purgeDataLocked(info.UUID); err != nil {
			return err
		}
		batch := new(leveldb.Batch)
		batch.Delete(catalogKey(info.NS))
		batch.Delete(uuidKey(info.UUID))
		if err := e.ldb.Write(batch, nil); err != nil {
			return dberr.Wrap(dberr.CodeInvalidFormat, "reap drop-pending", err)
		}
	}
	return nil
}
