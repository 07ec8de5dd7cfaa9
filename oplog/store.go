package oplog

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/optime"
)

const (
	// Cap sizing bounds. Zero config selects ~5% of free space clamped to
	// these.
	MinCapBytes     = 50 * 1024 * 1024
	MaxCapBytes     = 50 * 1024 * 1024 * 1024
	capFreeFraction = 20 // 1/20 = 5%
)

// DefaultSizeBytes picks the platform cap for a log given the free bytes on
// the device backing it.
func DefaultSizeBytes(freeBytes uint64) int64 {
	size := int64(freeBytes / capFreeFraction)
	if size < MinCapBytes {
		return MinCapBytes
	}
	if size > MaxCapBytes {
		return MaxCapBytes
	}
	return size
}

// entryKey orders records by timestamp alone. The term can be omitted
// because timestamps are globally monotone across terms: published appends
// enforce OpTime order against top, and reserved slots come from the
// writer's lastReserved, which is seeded from the on-disk top and never
// decreases, across term changes included. A single log therefore never
// holds two entries whose timestamp order disagrees with their OpTime
// order.
func entryKey(ts primitive.Timestamp) []byte {
	k := make([]byte, 9)
	k[0] = 'e'
	binary.BigEndian.PutUint32(k[1:5], ts.T)
	binary.BigEndian.PutUint32(k[5:9], ts.I)
	return k
}

func keyTimestamp(k []byte) primitive.Timestamp {
	return primitive.Timestamp{
		T: binary.BigEndian.Uint32(k[1:5]),
		I: binary.BigEndian.Uint32(k[5:9]),
	}
}

var entryRange = util.BytesPrefix([]byte{'e'})

// StoreOptions configures a Store.
type StoreOptions struct {
	// SizeBytes caps the log. Zero selects MinCapBytes; callers that know
	// the device should pass DefaultSizeBytes(free).
	SizeBytes int64
	Logger    *slog.Logger
}

// Store is the capped, append-only log. Records are keyed by timestamp and
// only ever discarded from the bottom (oldest) or via TruncateAfter.
//
// Visibility: entries become readable by tail cursors only once the
// visibility frontier passes them. The frontier is the writer's way of
// hiding oplog holes left by in-flight storage transactions; stores fed by
// an applier advance it on every append.
type Store struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ldb    *leveldb.DB
	logger *slog.Logger

	maxBytes  int64
	usedBytes int64

	top     optime.OpTime // newest appended (may be invisible yet)
	bottom  optime.OpTime
	visible optime.OpTime // newest entry tail cursors may return

	closed bool
}

// OpenStore opens (or creates) the log under dir.
func OpenStore(dir string, opts StoreOptions) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SizeBytes <= 0 {
		opts.SizeBytes = MinCapBytes
	}
	ldb, err := leveldb.OpenFile(dir, &opt.Options{
		BlockCacheCapacity:     8 * 1024 * 1024,
		WriteBuffer:            4 * 1024 * 1024,
		OpenFilesCacheCapacity: 64,
	})
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidFormat, "open oplog store", err)
	}
	s := &Store{
		ldb:      ldb,
		logger:   opts.Logger,
		maxBytes: opts.SizeBytes,
		top:      optime.Null,
		bottom:   optime.Null,
		visible:  optime.Null,
	}
	s.cond = sync.NewCond(&s.mu)
	if err := s.load(); err != nil {
		ldb.Close()
		return nil, err
	}
	return s, nil
}

// load rebuilds the cached bounds and size from the records on disk.
// Everything already on disk is visible.
func (s *Store) load() error {
	it := s.ldb.NewIterator(entryRange, nil)
	defer it.Release()
	var used int64
	var count int
	for it.Next() {
		used += int64(len(it.Value()))
		count++
		if count == 1 {
			e, err := ParseEntry(append([]byte(nil), it.Value()...))
			if err != nil {
				return err
			}
			s.bottom = e.OpTime()
		}
	}
	if err := it.Error(); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "scan oplog store", err)
	}
	if count > 0 {
		if ok := it.Last(); ok {
			e, err := ParseEntry(append([]byte(nil), it.Value()...))
			if err != nil {
				return err
			}
			s.top = e.OpTime()
			s.visible = s.top
		}
	}
	s.usedBytes = used
	return nil
}

// Append atomically writes a batch and makes it visible. This is the path
// used by the applier and by recovery; the primary-side writer goes through
// AppendPending + Publish so reserved-but-uncommitted slots stay hidden.
func (s *Store) Append(entries ...Entry) error {
	return s.append(entries, true)
}

// AppendPending writes a batch without moving the visibility frontier.
func (s *Store) AppendPending(entries ...Entry) error {
	return s.append(entries, false)
}

func (s *Store) append(entries []Entry, publish bool) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberr.New(dberr.CodeShutdownInProgress, "oplog store closed")
	}

	// Published appends extend the log strictly past the current top.
	// Pending appends fill reserved slots, which may resolve out of order
	// and so are allowed to land below top; the batch itself must still be
	// internally ordered.
	batch := new(leveldb.Batch)
	prev := optime.Null
	if publish {
		prev = s.top
	}
	var added int64
	for i := range entries {
		e := &entries[i]
		ot := e.OpTime()
		if !prev.IsNull() && !prev.Before(ot) {
			return dberr.Newf(dberr.CodeOplogOutOfOrder,
				"append %v at or before log top %v", ot, prev)
		}
		raw, err := e.Marshal()
		if err != nil {
			return err
		}
		batch.Put(entryKey(e.Timestamp), raw)
		added += int64(len(raw))
		prev = ot
	}
	if err := s.ldb.Write(batch, nil); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "write oplog batch", err)
	}
	if s.top.IsNull() || s.top.Before(prev) {
		s.top = prev
	}
	if first := entries[0].OpTime(); s.bottom.IsNull() || first.Before(s.bottom) {
		s.bottom = first
	}
	s.usedBytes += added
	if publish {
		s.visible = s.top
	}
	s.cond.Broadcast()
	return s.enforceCapLocked()
}

// Publish advances the visibility frontier. Tail cursors wake up.
func (s *Store) Publish(upTo optime.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo.After(s.visible) {
		s.visible = optime.Min(upTo, s.top)
		s.cond.Broadcast()
	}
}

// enforceCapLocked trims from the bottom while over budget. At least one
// entry always remains.
func (s *Store) enforceCapLocked() error {
	if s.usedBytes <= s.maxBytes {
		return nil
	}
	it := s.ldb.NewIterator(entryRange, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	var freed int64
	newBottom := optime.Null
	for it.Next() {
		// Never trim the newest record.
		if s.usedBytes-freed <= s.maxBytes || bytes.Equal(it.Key(), entryKey(s.top.TS)) {
			e, err := ParseEntry(append([]byte(nil), it.Value()...))
			if err != nil {
				return err
			}
			newBottom = e.OpTime()
			break
		}
		batch.Delete(append([]byte(nil), it.Key()...))
		freed += int64(len(it.Value()))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.ldb.Write(batch, nil); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "trim oplog", err)
	}
	s.usedBytes -= freed
	if newBottom.IsNull() {
		newBottom = s.top
	}
	s.bottom = newBottom
	return nil
}

// Top returns the newest OpTime, visible or not. Null when empty.
func (s *Store) Top() optime.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.top
}

// VisibleTop returns the newest OpTime tail cursors may see.
func (s *Store) VisibleTop() optime.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Bottom returns the oldest OpTime. Null when empty.
func (s *Store) Bottom() optime.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bottom
}

// SizeBytes is the current storage footprint of the records.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}

// EntryAt fetches the record at exactly ts.
func (s *Store) EntryAt(ts primitive.Timestamp) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryAtLocked(ts)
}

func (s *Store) entryAtLocked(ts primitive.Timestamp) (Entry, bool, error) {
	raw, err := s.ldb.Get(entryKey(ts), nil)
	if err == ldberrors.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, dberr.Wrap(dberr.CodeInvalidFormat, "read oplog entry", err)
	}
	e, err := ParseEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// TruncateAfter removes all entries whose timestamp is >= ts. Truncating
// below the bottom empties the log; it never fails for that reason.
func (s *Store) TruncateAfter(ts primitive.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberr.New(dberr.CodeShutdownInProgress, "oplog store closed")
	}
	it := s.ldb.NewIterator(&util.Range{Start: entryKey(ts), Limit: entryRange.Limit}, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	var freed int64
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		freed += int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "truncate scan", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.ldb.Write(batch, nil); err != nil {
		return dberr.Wrap(dberr.CodeInvalidFormat, "truncate oplog", err)
	}
	s.usedBytes -= freed

	// Recompute bounds from what survived.
	rest := s.ldb.NewIterator(entryRange, nil)
	defer rest.Release()
	if rest.Last() {
		e, err := ParseEntry(append([]byte(nil), rest.Value()...))
		if err != nil {
			return err
		}
		s.top = e.OpTime()
	} else {
		s.top = optime.Null
		s.bottom = optime.Null
	}
	if s.visible.After(s.top) {
		s.visible = s.top
	}
	s.logger.Info("truncated oplog", "after_ts", ts, "new_top", s.top)
	return nil
}

// ScanRange calls fn for every entry with start <= ts <= end, ascending.
// fn returning an error stops the scan.
func (s *Store) ScanRange(start, end primitive.Timestamp, fn func(Entry) error) error {
	limit := entryKey(end)
	limit = append(limit, 0) // inclusive end
	it := s.ldb.NewIterator(&util.Range{Start: entryKey(start), Limit: limit}, nil)
	defer it.Release()
	for it.Next() {
		e, err := ParseEntry(append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return dberr.Wrap(dberr.CodeInvalidFormat, "scan oplog range", it.Error())
}

// Close releases blocked tail cursors and shuts the store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return s.ldb.Close()
}
