package oplog

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/optime"
)

// Cursor walks the log forward. Obtain one with Seek (exact positioning) or
// Tail (blocking follow). Cursors observe only visible entries.
type Cursor struct {
	s    *Store
	next primitive.Timestamp // lower bound for the next read, inclusive
}

// Seek positions a cursor exactly at ot. The entry must be present and
// visible, otherwise OplogStartMissing.
func (s *Store) Seek(ot optime.OpTime) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dberr.New(dberr.CodeShutdownInProgress, "oplog store closed")
	}
	e, found, err := s.entryAtLocked(ot.TS)
	if err != nil {
		return nil, err
	}
	if !found || !e.OpTime().Equal(ot) || ot.After(s.visible) {
		return nil, dberr.Newf(dberr.CodeOplogStartMissing, "no visible entry at %v", ot)
	}
	return &Cursor{s: s, next: ot.TS}, nil
}

// Tail returns a cursor positioned just after last. A null last starts at
// the bottom. Next blocks until records appear past the frontier.
func (s *Store) Tail(last optime.OpTime) *Cursor {
	var next primitive.Timestamp
	if !last.IsNull() {
		next = nextTimestamp(last.TS)
	}
	return &Cursor{s: s, next: next}
}

func nextTimestamp(ts primitive.Timestamp) primitive.Timestamp {
	if ts.I == ^uint32(0) {
		return primitive.Timestamp{T: ts.T + 1, I: 0}
	}
	return primitive.Timestamp{T: ts.T, I: ts.I + 1}
}

// Next returns the next visible entry at or after the cursor position,
// blocking until one exists. Shutdown of the store or cancellation of ctx
// releases the wait.
func (c *Cursor) Next(ctx context.Context) (Entry, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return Entry{}, dberr.New(dberr.CodeShutdownInProgress, "oplog store closed")
		}
		if err := ctx.Err(); err != nil {
			return Entry{}, dberr.Wrap(dberr.CodeCallbackCanceled, "oplog tail", err)
		}
		e, found, err := s.firstAtOrAfterLocked(c.next)
		if err != nil {
			return Entry{}, err
		}
		if found && !e.OpTime().After(s.visible) {
			c.next = nextTimestamp(e.Timestamp)
			return e, nil
		}
		waitCond(ctx, s)
	}
}

// TryNext is Next without blocking; the bool reports whether an entry was
// available.
func (c *Cursor) TryNext() (Entry, bool, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, dberr.New(dberr.CodeShutdownInProgress, "oplog store closed")
	}
	e, found, err := s.firstAtOrAfterLocked(c.next)
	if err != nil || !found || e.OpTime().After(s.visible) {
		return Entry{}, false, err
	}
	c.next = nextTimestamp(e.Timestamp)
	return e, true, nil
}

// waitCond blocks on the store condition while also honoring ctx. The spare
// goroutine only lives while ctx can still fire.
func waitCond(ctx context.Context, s *Store) {
	if ctx.Done() == nil {
		s.cond.Wait()
		return
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()
	s.cond.Wait()
	close(stop)
}

func (s *Store) firstAtOrAfterLocked(ts primitive.Timestamp) (Entry, bool, error) {
	it := s.ldb.NewIterator(entryRange, nil)
	defer it.Release()
	if !it.Seek(entryKey(ts)) {
		return Entry{}, false, nil
	}
	e, err := ParseEntry(append([]byte(nil), it.Value()...))
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// ReverseCursor walks the log backward from a starting point; the rollback
// common-point search drives one of these over the local log.
type ReverseCursor struct {
	s    *Store
	pos  primitive.Timestamp
	done bool
}

// ReverseFrom starts at the newest entry with ts <= start.
func (s *Store) ReverseFrom(start primitive.Timestamp) *ReverseCursor {
	return &ReverseCursor{s: s, pos: start}
}

// Prev returns entries newest-first; the bool turns false at the bottom.
func (c *ReverseCursor) Prev() (Entry, bool, error) {
	if c.done {
		return Entry{}, false, nil
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, dberr.New(dberr.CodeShutdownInProgress, "oplog store closed")
	}
	it := s.ldb.NewIterator(entryRange, nil)
	defer it.Release()
	limit := entryKey(c.pos)
	limit = append(limit, 0) // include pos itself
	var ok bool
	if it.Seek(limit) {
		ok = it.Prev()
	} else {
		ok = it.Last()
	}
	if !ok {
		c.done = true
		return Entry{}, false, nil
	}
	e, err := ParseEntry(append([]byte(nil), it.Value()...))
	if err != nil {
		return Entry{}, false, err
	}
	if e.Timestamp.T == 0 && e.Timestamp.I == 0 {
		c.done = true
	} else {
		prev := e.Timestamp
		if prev.I == 0 {
			c.pos = primitive.Timestamp{T: prev.T - 1, I: ^uint32(0)}
		} else {
			c.pos = primitive.Timestamp{T: prev.T, I: prev.I - 1}
		}
	}
	return e, true, nil
}
