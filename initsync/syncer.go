package initsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/apply"
	"tidedb/dberr"
	"tidedb/oplog"
	"tidedb/optime"
	"tidedb/session"
	"tidedb/storage"
)

// supportedFCV is the only feature-compatibility version this node syncs
// from.
const supportedFCV = "6.0"

// Config bounds an initial sync run.
type Config struct {
	MaxAttempts       int
	ConnectAttempts   int
	OplogFindAttempts int
	FetcherBatchSize  int
	TransientOutage   time.Duration
	RetryWait         time.Duration
	BatchLimitOps     int
	BatchLimitBytes   int64
	ApplyWorkers      int
	BufferBytes       int64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = 10
	}
	if out.OplogFindAttempts <= 0 {
		out.OplogFindAttempts = 3
	}
	if out.FetcherBatchSize <= 0 {
		out.FetcherBatchSize = 1000
	}
	if out.TransientOutage <= 0 {
		out.TransientOutage = 30 * time.Second
	}
	if out.RetryWait <= 0 {
		out.RetryWait = 100 * time.Millisecond
	}
	if out.BatchLimitOps <= 0 {
		out.BatchLimitOps = 5000
	}
	if out.BatchLimitBytes <= 0 {
		out.BatchLimitBytes = 100 * 1024 * 1024
	}
	return out
}

// Phase names the syncer's position for progress reporting.
type Phase int

const (
	PhasePreStart Phase = iota
	PhaseChooseSource
	PhaseTruncateAndDropUserDBs
	PhaseBaseRollbackID
	PhaseDefaultBeginFetching
	PhaseOldestActiveTxn
	PhaseBeginApplying
	PhaseFCVCheck
	PhaseOpenFetcher
	PhaseCloneAllDatabases
	PhaseStopTimestamp
	PhaseApplyUntilStop
	PhaseRollbackCheck
	PhaseComplete
)

func (p Phase) String() string {
	names := [...]string{
		"preStart", "chooseSource", "truncateAndDropUserDBs", "baseRollbackId",
		"defaultBeginFetching", "oldestActiveTxn", "beginApplying", "fcvCheck",
		"openFetcher", "cloneAllDatabases", "stopTimestamp", "applyUntilStop",
		"rollbackCheck", "complete",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "unknown"
}

// CloneStats summarizes one database's clone.
type CloneStats struct {
	Collections int
	Documents   int64
	Bytes       int64
}

// AttemptStats records one attempt's outcome.
type AttemptStats struct {
	Duration time.Duration
	Status   string
	Source   string
}

// Progress is the read-only sync summary.
type Progress struct {
	Start      time.Time
	End        time.Time
	Phase      Phase
	AppliedOps int64

	BeginFetchingTimestamp primitive.Timestamp
	BeginApplyingTimestamp primitive.Timestamp
	StopTimestamp          primitive.Timestamp

	Databases map[string]CloneStats
	Attempts  []AttemptStats
}

// Result is what a successful sync hands back to the node.
type Result struct {
	LastApplied optime.OpTime
	Sessions    *session.Table
}

// Syncer drives initial sync, one attempt at a time.
type Syncer struct {
	cfg      Config
	store    storage.Interface
	meta     *storage.MetaStore
	log      *oplog.Store
	selector SyncSourceSelector
	logger   *slog.Logger

	shutdown atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	mu       sync.Mutex
	progress Progress
}

func New(cfg Config, store storage.Interface, meta *storage.MetaStore, log *oplog.Store, selector SyncSourceSelector, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:      cfg.withDefaults(),
		store:    store,
		meta:     meta,
		log:      log,
		selector: selector,
		logger:   logger,
		progress: Progress{Databases: make(map[string]CloneStats)},
	}
}

// Shutdown requests a cooperative stop. The running attempt finishes its
// current step and returns CallbackCanceled.
func (s *Syncer) Shutdown() {
	s.shutdown.Store(true)
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
}

// Progress returns a copy of the current summary.
func (s *Syncer) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.Databases = make(map[string]CloneStats, len(s.progress.Databases))
	for k, v := range s.progress.Databases {
		p.Databases[k] = v
	}
	p.Attempts = append([]AttemptStats(nil), s.progress.Attempts...)
	return p
}

func (s *Syncer) setPhase(p Phase) {
	s.mu.Lock()
	s.progress.Phase = p
	s.mu.Unlock()
	s.logger.Info("initial sync phase", "phase", p.String())
}

// Run performs initial sync, retrying failed attempts up to the configured
// maximum.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	s.mu.Lock()
	s.progress.Start = time.Now()
	s.mu.Unlock()

	if err := s.meta.SetInitialSyncFlag(true); err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if s.shutdown.Load() {
			return Result{}, dberr.New(dberr.CodeCallbackCanceled, "initial sync shut down")
		}
		attemptCtx, cancel := context.WithCancel(ctx)
		s.cancelMu.Lock()
		s.cancel = cancel
		s.cancelMu.Unlock()

		start := time.Now()
		res, source, err := s.attempt(attemptCtx, attempt)
		cancel()

		status := "ok"
		if err != nil {
			status = err.Error()
		}
		s.mu.Lock()
		s.progress.Attempts = append(s.progress.Attempts, AttemptStats{
			Duration: time.Since(start),
			Status:   status,
			Source:   source,
		})
		s.mu.Unlock()

		if err == nil {
			if ferr := s.finish(res); ferr != nil {
				return Result{}, ferr
			}
			return res, nil
		}
		lastErr = err
		s.logger.Warn("initial sync attempt failed",
			"attempt", attempt, "maxAttempts", s.cfg.MaxAttempts, "source", source, "err", err)
		if dberr.CodeOf(err) == dberr.CodeCallbackCanceled || ctx.Err() != nil {
			return Result{}, err
		}
	}
	s.logger.Error("initial sync exhausted all attempts", "attempts", s.cfg.MaxAttempts, "err", lastErr)
	return Result{}, lastErr
}

func (s *Syncer) finish(res Result) error {
	if err := s.meta.SetInitialSyncFlag(false); err != nil {
		return err
	}
	s.mu.Lock()
	s.progress.End = time.Now()
	s.progress.Phase = PhaseComplete
	s.mu.Unlock()
	s.logger.Info("initial sync complete", "lastApplied", res.LastApplied)
	return nil
}

func (s *Syncer) checkCancel(ctx context.Context) error {
	if s.shutdown.Load() {
		return dberr.New(dberr.CodeCallbackCanceled, "initial sync shut down")
	}
	if err := ctx.Err(); err != nil {
		return dberr.Wrap(dberr.CodeCallbackCanceled, "initial sync", err)
	}
	return nil
}

// withOutageBudget retries fn on transient failure until the outage window
// closes. Errors carrying a code are policy decisions, not outages, and
// propagate immediately.
func (s *Syncer) withOutageBudget(ctx context.Context, desc string, fn func() error) error {
	deadline := time.Now().Add(s.cfg.TransientOutage)
	for {
		if err := s.checkCancel(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if dberr.CodeOf(err) != dberr.CodeNone {
			return err
		}
		if time.Now().After(deadline) {
			return dberr.Wrap(dberr.CodeRemoteResultsUnavailable, desc+": outage budget exhausted", err)
		}
		s.logger.Warn("transient failure, retrying", "op", desc, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.RetryWait):
		}
	}
}

func (s *Syncer) attempt(ctx context.Context, attempt int) (Result, string, error) {
	// Phase: choose a sync source.
	s.setPhase(PhaseChooseSource)
	var donor Donor
	var chooseErr error
	for try := 0; try < s.cfg.ConnectAttempts; try++ {
		if err := s.checkCancel(ctx); err != nil {
			return Result{}, "", err
		}
		donor, chooseErr = s.selector.ChooseNewSyncSource(optime.Null)
		if chooseErr == nil && donor != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.RetryWait):
		}
	}
	if donor == nil {
		return Result{}, "", dberr.Wrap(dberr.CodeInitialSyncOplogSourceMissing,
			"no valid sync source", chooseErr)
	}
	source := donor.Name()
	s.logger.Info("initial sync source chosen", "source", source, "attempt", attempt)

	// Phase: wipe local replicated state.
	s.setPhase(PhaseTruncateAndDropUserDBs)
	if err := s.log.TruncateAfter(primitive.Timestamp{}); err != nil {
		return Result{}, source, err
	}
	dbs, err := s.store.ListDatabases()
	if err != nil {
		return Result{}, source, err
	}
	for _, db := range dbs {
		if err := s.store.DropDatabase(db); err != nil {
			return Result{}, source, err
		}
	}
	if err := s.store.ClearDropPendingState(); err != nil {
		return Result{}, source, err
	}

	sessions, err := session.NewTable(s.store, s.log, s.logger)
	if err != nil {
		return Result{}, source, err
	}

	// Phase: cache the donor's rollback id.
	s.setPhase(PhaseBaseRollbackID)
	var baseRBID int
	err = s.withOutageBudget(ctx, "base rollback id", func() error {
		var e error
		baseRBID, e = donor.RollbackID(ctx)
		return e
	})
	if err != nil {
		return Result{}, source, err
	}

	// Phase: default begin-fetching point.
	s.setPhase(PhaseDefaultBeginFetching)
	var defaultBeginFetching optime.OpTime
	err = s.withOutageBudget(ctx, "donor oplog top", func() error {
		var e error
		defaultBeginFetching, e = donor.OplogTopOpTime(ctx)
		return e
	})
	if err != nil {
		return Result{}, source, err
	}

	// Phase: pull fetching back to the oldest active transaction.
	s.setPhase(PhaseOldestActiveTxn)
	beginFetching := defaultBeginFetching
	err = s.withOutageBudget(ctx, "oldest active transaction", func() error {
		ot, found, e := donor.OldestActiveTransactionOpTime(ctx)
		if e != nil {
			return e
		}
		if found && ot.Before(beginFetching) {
			beginFetching = ot
		}
		return nil
	})
	if err != nil {
		return Result{}, source, err
	}

	// Phase: begin-applying point.
	s.setPhase(PhaseBeginApplying)
	var beginApplying optime.OpTime
	err = s.withOutageBudget(ctx, "begin applying point", func() error {
		var e error
		beginApplying, e = donor.OplogTopOpTime(ctx)
		return e
	})
	if err != nil {
		return Result{}, source, err
	}
	if beginApplying.Before(beginFetching) {
		return Result{}, source, dberr.Newf(dberr.CodeOplogOutOfOrder,
			"begin applying %v precedes begin fetching %v", beginApplying, beginFetching)
	}
	s.mu.Lock()
	s.progress.BeginFetchingTimestamp = beginFetching.TS
	s.progress.BeginApplyingTimestamp = beginApplying.TS
	s.mu.Unlock()

	// Phase: feature-compatibility check, read after the begin-applying
	// cluster time so donor-side holes are closed.
	s.setPhase(PhaseFCVCheck)
	var fcv FCVDoc
	err = s.withOutageBudget(ctx, "feature compatibility", func() error {
		var e error
		fcv, e = donor.FCV(ctx, beginApplying.TS)
		return e
	})
	if err != nil {
		return Result{}, source, err
	}
	if fcv.Version == "" {
		return Result{}, source, dberr.New(dberr.CodeIncompatibleServerVersion,
			"sync source has no feature compatibility document")
	}
	if fcv.Target != "" {
		return Result{}, source, dberr.Newf(dberr.CodeIncompatibleServerVersion,
			"sync source is changing feature compatibility version to %s", fcv.Target)
	}
	if fcv.Version != supportedFCV {
		return Result{}, source, dberr.Newf(dberr.CodeIncompatibleServerVersion,
			"sync source feature compatibility %s, need %s", fcv.Version, supportedFCV)
	}
	if err := s.meta.SetFCV(fcv.Version); err != nil {
		return Result{}, source, err
	}

	applier := apply.New(s.store, s.log, sessions, apply.Options{
		AlwaysUpsert: true,
		Workers:      s.cfg.ApplyWorkers,
		Logger:       s.logger,
	})
	buf := apply.NewBuffer(s.cfg.BufferBytes)

	// Phase: start the fetcher; it streams into the applier buffer and
	// closes it when it stops for any reason.
	s.setPhase(PhaseOpenFetcher)
	fetchCtx, stopFetcher := context.WithCancel(ctx)
	defer stopFetcher()
	var fetchErr atomic.Value
	fetchDone := make(chan struct{})
	stream, err := s.openStream(fetchCtx, donor, beginFetching.TS)
	if err != nil {
		return Result{}, source, err
	}
	go func() {
		defer close(fetchDone)
		defer buf.Close()
		defer stream.Close()
		for {
			batch, err := stream.Next(fetchCtx)
			if err != nil {
				if fetchCtx.Err() == nil {
					fetchErr.Store(err)
				}
				return
			}
			if len(batch) == 0 {
				continue
			}
			if err := buf.Enqueue(fetchCtx, batch); err != nil {
				if fetchCtx.Err() == nil {
					fetchErr.Store(err)
				}
				return
			}
		}
	}()

	// Phase: clone while the fetcher runs. The cloner gets its own
	// executor so slow reads never stall fetching.
	s.setPhase(PhaseCloneAllDatabases)
	if err := s.cloneAllDatabases(ctx, donor, applier); err != nil {
		return Result{}, source, err
	}

	// Phase: stop point.
	s.setPhase(PhaseStopTimestamp)
	var stop optime.OpTime
	err = s.withOutageBudget(ctx, "stop point", func() error {
		var e error
		stop, e = donor.OplogTopOpTime(ctx)
		return e
	})
	if err != nil {
		return Result{}, source, err
	}
	s.mu.Lock()
	s.progress.StopTimestamp = stop.TS
	s.mu.Unlock()

	// Phase: apply until the stop point. Entries at or before the
	// begin-applying barrier are written to the local log only; their
	// effects are already in the clone.
	s.setPhase(PhaseApplyUntilStop)
	limits := apply.BatchLimits{
		MaxOps:                  s.cfg.BatchLimitOps,
		MaxBytes:                s.cfg.BatchLimitBytes,
		ForceBatchBoundaryAfter: beginApplying.TS,
	}
	lastWritten := optime.Null
	lastApplied := optime.Null
	for lastWritten.Before(stop) {
		if err := s.checkCancel(ctx); err != nil {
			return Result{}, source, err
		}
		batch, err := buf.NextBatch(ctx, limits)
		if err != nil {
			if dberr.CodeOf(err) == dberr.CodeShutdownInProgress {
				if fe, _ := fetchErr.Load().(error); fe != nil {
					return Result{}, source, fe
				}
				return Result{}, source, dberr.Newf(dberr.CodeRemoteResultsUnavailable,
					"fetcher stopped at %v before stop point %v", lastWritten, stop)
			}
			return Result{}, source, err
		}
		if len(batch) == 0 {
			continue
		}
		if primitive.CompareTimestamp(batch[len(batch)-1].Timestamp, beginApplying.TS) <= 0 {
			// Behind the barrier the clone already holds the effects; the
			// entries land in the log for transaction reconstruction.
			if err := s.log.Append(batch...); err != nil {
				return Result{}, source, err
			}
			lastWritten = batch[len(batch)-1].OpTime()
			continue
		}
		ot, err := applier.ApplyBatch(ctx, batch)
		if err != nil {
			return Result{}, source, err
		}
		lastWritten = ot
		lastApplied = ot
		s.mu.Lock()
		s.progress.AppliedOps = applier.EntriesApplied()
		s.mu.Unlock()
	}
	stopFetcher()
	<-fetchDone
	last := optime.Max(lastApplied, beginApplying)

	// Phase: the donor must not have rolled back under us.
	s.setPhase(PhaseRollbackCheck)
	var finalRBID int
	err = s.withOutageBudget(ctx, "final rollback id", func() error {
		var e error
		finalRBID, e = donor.RollbackID(ctx)
		return e
	})
	if err != nil {
		return Result{}, source, err
	}
	if finalRBID != baseRBID {
		return Result{}, source, dberr.Newf(dberr.CodeUnrecoverableRollbackError,
			"sync source rolled back during initial sync: rbid %d -> %d", baseRBID, finalRBID)
	}

	// Complete: the data is consistent at the stop point.
	s.store.SetInitialDataTimestamp(stop.TS)
	if err := sessions.ReconstructPrepared(); err != nil {
		return Result{}, source, err
	}
	return Result{LastApplied: last, Sessions: sessions}, source, nil
}

// openStream opens the donor oplog cursor, verifying the donor still has
// our start point, with per-find retries.
func (s *Syncer) openStream(ctx context.Context, donor Donor, from primitive.Timestamp) (OplogStream, error) {
	var stream OplogStream
	var lastErr error
	for try := 0; try < s.cfg.OplogFindAttempts; try++ {
		if err := s.checkCancel(ctx); err != nil {
			return nil, err
		}
		stream, lastErr = donor.OpenOplogStream(ctx, from, s.cfg.FetcherBatchSize)
		if lastErr == nil {
			return stream, nil
		}
		if dberr.CodeOf(lastErr) != dberr.CodeNone {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.RetryWait):
		}
	}
	return nil, dberr.Wrap(dberr.CodeRemoteResultsUnavailable, "open oplog stream", lastErr)
}

func (s *Syncer) cloneAllDatabases(ctx context.Context, donor Donor, applier *apply.Applier) error {
	var dbs []string
	err := s.withOutageBudget(ctx, "list databases", func() error {
		var e error
		dbs, e = donor.ListDatabases(ctx)
		return e
	})
	if err != nil {
		return err
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		for _, db := range dbs {
			if err := s.cloneDatabase(ctx, donor, applier, db); err != nil {
				done <- result{err}
				return
			}
		}
		done <- result{nil}
	}()
	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return dberr.Wrap(dberr.CodeCallbackCanceled, "clone", ctx.Err())
	}
}

func (s *Syncer) cloneDatabase(ctx context.Context, donor Donor, applier *apply.Applier, db string) error {
	var specs []CollectionSpec
	err := s.withOutageBudget(ctx, "list collections", func() error {
		var e error
		specs, e = donor.ListCollections(ctx, db)
		return e
	})
	if err != nil {
		return err
	}

	stats := CloneStats{}
	for _, spec := range specs {
		if err := s.checkCancel(ctx); err != nil {
			return err
		}
		if err := s.store.CreateCollection(spec.NS, spec.UUID, spec.Options); err != nil {
			return err
		}
		for _, idx := range spec.Indexes {
			name := "unnamed"
			if v, err := idx.LookupErr("name"); err == nil {
				if sv, ok := v.StringValueOK(); ok {
					name = sv
				}
			}
			applier.RegisterIndex(spec.UUID, name, idx)
		}
		var docs, bytes int64
		err := s.withOutageBudget(ctx, "clone "+spec.NS, func() error {
			return donor.StreamCollection(ctx, spec.NS, func(doc bson.Raw) error {
				// Cloned documents take version zero so any applied oplog
				// entry supersedes them.
				if err := s.store.InsertDocument(spec.UUID, doc, primitive.Timestamp{}); err != nil {
					if dberr.CodeOf(err) == dberr.CodeDuplicateKey {
						return nil
					}
					return err
				}
				docs++
				bytes += int64(len(doc))
				return nil
			})
		})
		if err != nil {
			return err
		}
		stats.Collections++
		stats.Documents += docs
		stats.Bytes += bytes
	}
	s.mu.Lock()
	s.progress.Databases[db] = stats
	s.mu.Unlock()
	s.logger.Info("database cloned", "db", db,
		"collections", stats.Collections, "documents", stats.Documents, "bytes", stats.Bytes)
	return nil
}
