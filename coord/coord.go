// Package coord carries the replication-coordinator facade the engine
// consumes: role, term, commit point and replication progress. Election
// itself lives elsewhere; the engine only observes and requests role
// transitions.
package coord

import (
	"context"
	"sync"

	"tidedb/dberr"
	"tidedb/optime"
)

// MemberState is the node's replication role.
type MemberState int

const (
	StateStartup MemberState = iota
	StatePrimary
	StateSecondary
	StateRecovering
	StateRollback
	StateRemoved
)

func (s MemberState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StatePrimary:
		return "PRIMARY"
	case StateSecondary:
		return "SECONDARY"
	case StateRecovering:
		return "RECOVERING"
	case StateRollback:
		return "ROLLBACK"
	case StateRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// Coordinator is the facade the replication core consumes.
type Coordinator interface {
	MemberState() MemberState
	Term() int64
	IsPrimary() bool

	// SetFollowerMode transitions between non-primary states. With strict
	// set, the caller must already hold the state-transition lock.
	SetFollowerMode(s MemberState, strict bool) error

	CanAcceptWritesFor(ns string) bool
	IsOplogDisabledFor(ns string) bool

	LastCommittedOpTime() optime.OpTime
	CurrentCommittedSnapshotOpTime() optime.OpTime
	LastAppliedOpTime() optime.OpTime
	SetLastAppliedOpTime(ot optime.OpTime)

	// AwaitReplication blocks until the commit point reaches ot.
	AwaitReplication(ctx context.Context, ot optime.OpTime) error

	// ResetLastOpTimesFromOplog re-seeds progress from the log top after
	// recovery rewrites history.
	ResetLastOpTimesFromOplog(top optime.OpTime)

	// The replication-state-transition lock. Rollback takes it exclusively;
	// user operations take it shared.
	RSTL() *sync.RWMutex
}

// Replication is the in-memory coordinator implementation used by the engine
// wiring and by tests.
type Replication struct {
	mu   sync.Mutex
	cond *sync.Cond

	state MemberState
	term  int64

	lastApplied   optime.OpTime
	lastCommitted optime.OpTime
	snapshot      optime.OpTime

	oplogDisabled map[string]bool
	rstl          sync.RWMutex

	// OnKillUserOps, if set, runs when the node enters rollback.
	OnKillUserOps func()
}

var _ Coordinator = (*Replication)(nil)

func NewReplication(state MemberState, term int64) *Replication {
	r := &Replication{
		state:         state,
		term:          term,
		lastApplied:   optime.Null,
		lastCommitted: optime.Null,
		snapshot:      optime.Null,
		oplogDisabled: make(map[string]bool),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Replication) MemberState() MemberState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replication) Term() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

func (r *Replication) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StatePrimary
}

// StepUp makes the node primary in a new term. Test and wiring helper; real
// elections live outside the core.
func (r *Replication) StepUp(term int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StatePrimary
	r.term = term
	r.cond.Broadcast()
}

func (r *Replication) SetFollowerMode(s MemberState, strict bool) error {
	if s == StatePrimary {
		return dberr.New(dberr.CodeInterruptedDueToReplStateChange, "cannot step up via follower mode")
	}
	if !strict {
		r.rstl.Lock()
		defer r.rstl.Unlock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRemoved {
		return dberr.New(dberr.CodeInterruptedDueToReplStateChange, "member removed")
	}
	prev := r.state
	r.state = s
	if s == StateRollback && prev != StateRollback && r.OnKillUserOps != nil {
		r.OnKillUserOps()
	}
	r.cond.Broadcast()
	return nil
}

func (r *Replication) CanAcceptWritesFor(ns string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StatePrimary
}

func (r *Replication) IsOplogDisabledFor(ns string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oplogDisabled[ns]
}

// DisableOplogFor marks a namespace as unreplicated (local-only data).
func (r *Replication) DisableOplogFor(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oplogDisabled[ns] = true
}

func (r *Replication) LastCommittedOpTime() optime.OpTime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommitted
}

// AdvanceCommitPoint moves the commit point forward; it never regresses.
func (r *Replication) AdvanceCommitPoint(ot optime.OpTime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot.After(r.lastCommitted) {
		r.lastCommitted = ot
		if ot.After(r.snapshot) {
			r.snapshot = ot
		}
		r.cond.Broadcast()
	}
}

func (r *Replication) CurrentCommittedSnapshotOpTime() optime.OpTime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

func (r *Replication) LastAppliedOpTime() optime.OpTime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

func (r *Replication) SetLastAppliedOpTime(ot optime.OpTime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Outside rollback lastApplied is monotonic; rollback resets it via
	// ResetLastOpTimesFromOplog.
	if ot.After(r.lastApplied) {
		r.lastApplied = ot
		r.cond.Broadcast()
	}
}

func (r *Replication) AwaitReplication(ctx context.Context, ot optime.OpTime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.lastCommitted.Before(ot) {
		if err := ctx.Err(); err != nil {
			return dberr.Wrap(dberr.CodeCallbackCanceled, "await replication", err)
		}
		if r.state == StateRemoved {
			return dberr.New(dberr.CodeInterruptedDueToReplStateChange, "member removed")
		}
		waitInterruptible(ctx, r.cond, &r.mu)
	}
	return nil
}

func waitInterruptible(ctx context.Context, cond *sync.Cond, mu *sync.Mutex) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			cond.Broadcast()
			mu.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	close(stop)
}

func (r *Replication) ResetLastOpTimesFromOplog(top optime.OpTime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastApplied = top
	if r.lastCommitted.After(top) {
		r.lastCommitted = top
	}
	if r.snapshot.After(top) {
		r.snapshot = top
	}
	r.cond.Broadcast()
}

func (r *Replication) RSTL() *sync.RWMutex { return &r.rstl }
