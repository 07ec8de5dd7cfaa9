// Package rollback undoes local history past the point where this node
// diverged from its sync source. It finds the common point by walking both
// logs backward, rewinds storage to the stable timestamp, replays forward
// to the common point, and truncates everything newer. Rollback discards;
// it never merges.
package rollback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/apply"
	"tidedb/coord"
	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/optime"
	"tidedb/session"
	"tidedb/storage"
)

// DefaultTimeLimit bounds how much wall-clock history a rollback may
// discard.
const DefaultTimeLimit = 24 * time.Hour

// Donor is the sync source view the common point search consumes.
type Donor interface {
	Name() string

	// OpenReverse walks the donor's log newest-first.
	OpenReverse(ctx context.Context) (ReverseStream, error)
}

// ReverseStream yields donor entries newest-first. The bool turns false
// when the donor's log is exhausted.
type ReverseStream interface {
	Prev(ctx context.Context) (oplog.Entry, bool, error)
	Close() error
}

// Config carries the rollback knobs.
type Config struct {
	// TimeLimit is the maximum wall-clock span of discarded history. Zero
	// selects DefaultTimeLimit.
	TimeLimit time.Duration

	// CreateDataFiles writes the pre-rollback value of every reverted
	// document under DataDir before recovery rewinds it.
	CreateDataFiles bool
	DataDir         string
}

// Result reports what a completed rollback did.
type Result struct {
	CommonPoint        optime.OpTime
	TruncateAfterPoint primitive.Timestamp
	StableTimestamp    primitive.Timestamp
	RollbackID         int64
	Event              Event
}

// countTarget is a resolved count correction, computed before any
// destructive phase and applied after recovery.
type countTarget struct {
	ns       string
	value    int64
	fullScan bool
}

// Engine runs the rollback sequence. One rollback runs at a time.
type Engine struct {
	cfg      Config
	coord    coord.Coordinator
	store    storage.Interface
	meta     *storage.MetaStore
	log      *oplog.Store
	sessions *session.Table
	applier  *apply.Applier
	logger   *slog.Logger

	subscribers []func(Event)
}

func New(cfg Config, c coord.Coordinator, store storage.Interface, meta *storage.MetaStore,
	log *oplog.Store, sessions *session.Table, applier *apply.Applier, logger *slog.Logger) *Engine {
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = DefaultTimeLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		coord:    c,
		store:    store,
		meta:     meta,
		log:      log,
		sessions: sessions,
		applier:  applier,
		logger:   logger,
	}
}

// Subscribe registers a callback that receives the observer event after
// recovery completes, before the node returns to secondary.
func (e *Engine) Subscribe(fn func(Event)) {
	e.subscribers = append(e.subscribers, fn)
}

// Run executes the full rollback against the donor. On success the node is
// back in secondary state with its log truncated at the common point.
func (e *Engine) Run(ctx context.Context, donor Donor) (Result, error) {
	e.logger.Warn("entering rollback", "donor", donor.Name())

	rstl := e.coord.RSTL()
	rstl.Lock()
	err := e.coord.SetFollowerMode(coord.StateRollback, true)
	rstl.Unlock()
	if err != nil {
		return Result{}, dberr.Wrap(dberr.CodeUnrecoverableRollbackError, "transition to rollback", err)
	}

	e.applier.AwaitBackgroundOps()

	obs := newObserver()
	commonPoint, truncatePoint, err := e.findCommonPoint(ctx, donor, obs)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("rollback common point",
		"common_point", commonPoint,
		"entries_to_revert", obs.event.EntriesObserved)

	if err := e.checkTimeLimit(truncatePoint); err != nil {
		return Result{}, err
	}

	// Everything before this line is read-only; everything after must run
	// under a new rollback id so peers can tell history was rewritten.
	rbid, err := e.meta.IncrementRollbackID()
	if err != nil {
		return Result{}, err
	}
	// Until recovery replays back to the common point the data is not
	// consistent; a crash from here restarts against this floor.
	if err := e.meta.SetMinValid(commonPoint.TS); err != nil {
		return Result{}, err
	}

	if n := e.sessions.AbortPreparedInMemory(); n > 0 {
		e.logger.Info("aborted prepared transactions for rollback", "count", n)
	}

	targets, err := e.computeCountTargets(obs)
	if err != nil {
		return Result{}, err
	}

	if e.cfg.CreateDataFiles {
		if err := e.writeDataFiles(obs); err != nil {
			return Result{}, err
		}
	}

	if len(obs.event.SessionIDs) > 0 {
		e.sessions.Invalidate()
	}

	stable, err := e.store.RecoverToStableTimestamp()
	if err != nil {
		return Result{}, dberr.Wrap(dberr.CodeUnrecoverableRollbackError, "recover to stable timestamp", err)
	}
	if err := e.meta.SetTruncateAfterPoint(truncatePoint); err != nil {
		return Result{}, err
	}
	if err := e.store.ClearDropPendingState(); err != nil {
		return Result{}, err
	}

	if err := e.recoverFromOplog(ctx, stable, commonPoint); err != nil {
		return Result{}, err
	}
	if !truncatePoint.IsZero() {
		if err := e.log.TruncateAfter(truncatePoint); err != nil {
			return Result{}, err
		}
	}
	if err := e.meta.SetTruncateAfterPoint(primitive.Timestamp{}); err != nil {
		return Result{}, err
	}
	if err := e.meta.SetMinValid(primitive.Timestamp{}); err != nil {
		return Result{}, err
	}

	if err := e.applyCountTargets(targets); err != nil {
		return Result{}, err
	}
	if err := e.sessions.ReconstructPrepared(); err != nil {
		return Result{}, err
	}

	e.coord.ResetLastOpTimesFromOplog(e.log.Top())

	event := obs.snapshot()
	for _, fn := range e.subscribers {
		fn(event)
	}

	if err := e.coord.SetFollowerMode(coord.StateSecondary, false); err != nil {
		return Result{}, dberr.Wrap(dberr.CodeUnrecoverableRollbackError, "transition to secondary", err)
	}
	e.logger.Warn("rollback complete",
		"common_point", commonPoint,
		"rollback_id", rbid,
		"entries_reverted", event.EntriesObserved)

	return Result{
		CommonPoint:        commonPoint,
		TruncateAfterPoint: truncatePoint,
		StableTimestamp:    stable,
		RollbackID:         rbid,
		Event:              event,
	}, nil
}

// findCommonPoint walks the local and donor logs backward in lock-step,
// folding every reverted local entry into the observer. It returns the
// common point and the timestamp of the oldest local entry past it, which
// becomes the truncate-after point.
func (e *Engine) findCommonPoint(ctx context.Context, donor Donor, obs *observer) (optime.OpTime, primitive.Timestamp, error) {
	localTop := e.log.Top()
	if localTop.IsNull() {
		return optime.Null, primitive.Timestamp{},
			dberr.New(dberr.CodeUnrecoverableRollbackError, "local oplog is empty")
	}
	local := e.log.ReverseFrom(localTop.TS)
	remote, err := donor.OpenReverse(ctx)
	if err != nil {
		return optime.Null, primitive.Timestamp{}, err
	}
	defer remote.Close()

	le, lok, err := local.Prev()
	if err != nil {
		return optime.Null, primitive.Timestamp{}, err
	}
	re, rok, err := remote.Prev(ctx)
	if err != nil {
		return optime.Null, primitive.Timestamp{}, err
	}

	truncatePoint := primitive.Timestamp{}
	revert := func(entry *oplog.Entry) error {
		if err := obs.observe(entry); err != nil {
			return err
		}
		truncatePoint = entry.Timestamp
		return nil
	}

	for lok && rok {
		lot, rot := le.OpTime(), re.OpTime()
		switch {
		case rot.Before(lot):
			if err := revert(&le); err != nil {
				return optime.Null, primitive.Timestamp{}, err
			}
			le, lok, err = local.Prev()
		case lot.Before(rot):
			re, rok, err = remote.Prev(ctx)
		default:
			same, cmpErr := sameEntry(&le, &re)
			if cmpErr != nil {
				return optime.Null, primitive.Timestamp{}, cmpErr
			}
			if same {
				if err := e.checkCommonPoint(lot); err != nil {
					return optime.Null, primitive.Timestamp{}, err
				}
				return lot, truncatePoint, nil
			}
			if err := revert(&le); err != nil {
				return optime.Null, primitive.Timestamp{}, err
			}
			le, lok, err = local.Prev()
			if err != nil {
				return optime.Null, primitive.Timestamp{}, err
			}
			re, rok, err = remote.Prev(ctx)
		}
		if err != nil {
			return optime.Null, primitive.Timestamp{}, err
		}
	}
	return optime.Null, primitive.Timestamp{}, dberr.Newf(dberr.CodeUnrecoverableRollbackError,
		"no common point with donor %s below %v", donor.Name(), localTop)
}

func sameEntry(a, b *oplog.Entry) (bool, error) {
	ab, err := a.Marshal()
	if err != nil {
		return false, err
	}
	bb, err := b.Marshal()
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// checkCommonPoint enforces that the common point does not sit below any
// durability frontier we have already advertised.
func (e *Engine) checkCommonPoint(cp optime.OpTime) error {
	if committed := e.coord.LastCommittedOpTime(); cp.Before(committed) {
		return dberr.Newf(dberr.CodeUnrecoverableRollbackError,
			"common point %v is below the last committed optime %v", cp, committed)
	}
	if snap := e.coord.CurrentCommittedSnapshotOpTime(); cp.Before(snap) {
		return dberr.Newf(dberr.CodeUnrecoverableRollbackError,
			"common point %v is below the committed snapshot %v", cp, snap)
	}
	if stable := e.store.StableTimestamp(); primitive.CompareTimestamp(cp.TS, stable) < 0 {
		return dberr.Newf(dberr.CodeUnrecoverableRollbackError,
			"common point %v is below the stable timestamp %v", cp, stable)
	}
	return nil
}

// checkTimeLimit rejects rollbacks that would discard more wall-clock
// history than configured, before anything destructive happens.
func (e *Engine) checkTimeLimit(truncatePoint primitive.Timestamp) error {
	if truncatePoint.IsZero() {
		return nil
	}
	top, ok, err := e.log.EntryAt(e.log.Top().TS)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.New(dberr.CodeUnrecoverableRollbackError, "local log top vanished")
	}
	first, ok, err := e.log.EntryAt(truncatePoint)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Newf(dberr.CodeUnrecoverableRollbackError,
			"first entry past common point at %v vanished", truncatePoint)
	}
	if span := top.Wall.Sub(first.Wall); span > e.cfg.TimeLimit {
		return dberr.Newf(dberr.CodeUnrecoverableRollbackError,
			"rollback spans %v of history, limit is %v", span, e.cfg.TimeLimit)
	}
	return nil
}

// computeCountTargets resolves the observer's per-collection count plan
// into concrete values, reading current counts before recovery rewinds
// them.
func (e *Engine) computeCountTargets(obs *observer) (map[uuid.UUID]countTarget, error) {
	targets := make(map[uuid.UUID]countTarget, len(obs.counts))
	for coll, f := range obs.counts {
		info, ok, err := e.store.CollectionByUUID(coll)
		if err != nil {
			return nil, err
		}
		if ok && info.NeedsSizeAdjustment {
			// The engine repairs these counts itself on recovery.
			continue
		}
		ns := ""
		if ok {
			ns = info.NS
		}
		switch {
		case f.restored != nil:
			targets[coll] = countTarget{ns: ns, value: *f.restored}
		case f.fullScan:
			targets[coll] = countTarget{ns: ns, fullScan: true}
		default:
			prior, err := e.store.GetCollectionCount(coll)
			if err != nil {
				if dberr.CodeOf(err) == dberr.CodeNamespaceNotFound {
					targets[coll] = countTarget{ns: ns, fullScan: true}
					continue
				}
				return nil, err
			}
			next := prior + f.delta
			if next < 0 {
				targets[coll] = countTarget{ns: ns, fullScan: true}
				continue
			}
			targets[coll] = countTarget{ns: ns, value: next}
		}
	}
	return targets, nil
}

func (e *Engine) applyCountTargets(targets map[uuid.UUID]countTarget) error {
	for coll, t := range targets {
		if _, ok, err := e.store.CollectionByUUID(coll); err != nil {
			return err
		} else if !ok {
			// Recovery confirmed the collection never existed at the common
			// point; nothing to fix.
			continue
		}
		n := t.value
		if t.fullScan {
			scanned, err := e.store.CountByScan(coll)
			if err != nil {
				return err
			}
			n = scanned
		}
		if err := e.store.SetCollectionCount(coll, n); err != nil {
			return err
		}
		e.logger.Info("corrected collection count", "ns", t.ns, "count", n, "scanned", t.fullScan)
	}
	return nil
}

// writeDataFiles preserves the current value of every reverted document
// under DataDir before recovery discards it.
func (e *Engine) writeDataFiles(obs *observer) error {
	now := time.Now().Unix()
	for coll, ids := range obs.event.DeletedIDs {
		dir := filepath.Join(e.cfg.DataDir, "rollback", coll.String())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dberr.Wrap(dberr.CodeInvalidFormat, "create rollback file dir", err)
		}
		seq := 0
		for _, id := range ids {
			doc, found, err := e.store.FindByID(coll, id)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			name := filepath.Join(dir, fmt.Sprintf("removed.%d.%d.bson", now, seq))
			if err := os.WriteFile(name, doc, 0o644); err != nil {
				return dberr.Wrap(dberr.CodeInvalidFormat, "write rollback file", err)
			}
			seq++
		}
		e.logger.Info("wrote rollback data files", "collection", coll, "documents", seq)
	}
	return nil
}

// recoverFromOplog replays local entries past the stable timestamp up to
// the common point, restoring the effects the storage rewind discarded.
func (e *Engine) recoverFromOplog(ctx context.Context, stable primitive.Timestamp, commonPoint optime.OpTime) error {
	start := stable
	if start.I == ^uint32(0) {
		start = primitive.Timestamp{T: start.T + 1}
	} else {
		start.I++
	}
	return e.log.ScanRange(start, commonPoint.TS, func(entry oplog.Entry) error {
		_, err := e.applier.ReplayBatch(ctx, []oplog.Entry{entry})
		return err
	})
}
