// Package metrics exposes replication internals to Prometheus through a
// custom collector, plus the scrape endpoint.
package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidedb/initsync"
)

const namespace = "tidedb"

// ApplierStats is the counter surface of the oplog applier.
type ApplierStats interface {
	EntriesApplied() int64
	BatchesApplied() int64
	Retries() int64
}

// BufferStats is the occupancy surface of the apply buffer.
type BufferStats interface {
	SizeBytes() int64
	Len() int
}

// SessionCounter reports live session participants.
type SessionCounter interface {
	Count() int
}

// OplogStats is the footprint surface of the log store.
type OplogStats interface {
	SizeBytes() int64
}

// SyncStats exposes initial sync progress.
type SyncStats interface {
	Progress() initsync.Progress
}

// RollbackIDSource reads the node's durable rollback id.
type RollbackIDSource interface {
	RollbackID() (int64, error)
}

// Sources bundles everything the collector reads. Nil fields are skipped.
type Sources struct {
	Applier  ApplierStats
	Buffer   BufferStats
	Sessions SessionCounter
	Oplog    OplogStats
	Syncer   SyncStats
	Meta     RollbackIDSource
}

// TideCollector implements the prometheus.Collector interface over the
// replication core's counters.
type TideCollector struct {
	src Sources

	appliedEntries *prometheus.Desc
	appliedBatches *prometheus.Desc
	applyRetries   *prometheus.Desc
	bufferBytes    *prometheus.Desc
	bufferEntries  *prometheus.Desc
	sessions       *prometheus.Desc
	oplogBytes     *prometheus.Desc
	syncAttempts   *prometheus.Desc
	syncAppliedOps *prometheus.Desc
	rollbackID     *prometheus.Desc
}

func NewTideCollector(src Sources) *TideCollector {
	return &TideCollector{
		src:            src,
		appliedEntries: newDesc("apply", "entries_total", "Total oplog entries applied."),
		appliedBatches: newDesc("apply", "batches_total", "Total oplog batches applied."),
		applyRetries:   newDesc("apply", "retries_total", "Total apply retries taken."),
		bufferBytes:    newDesc("apply", "buffer_bytes", "Bytes currently buffered ahead of the applier."),
		bufferEntries:  newDesc("apply", "buffer_entries", "Entries currently buffered ahead of the applier."),
		sessions:       newDesc("session", "participants_active", "Live session participants."),
		oplogBytes:     newDesc("oplog", "size_bytes", "Storage footprint of the replication log."),
		syncAttempts:   newDesc("initial_sync", "attempts_total", "Initial sync attempts started."),
		syncAppliedOps: newDesc("initial_sync", "applied_ops", "Entries applied during the current initial sync."),
		rollbackID:     newDesc("rollback", "id", "Durable rollback id counter."),
	}
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func (c *TideCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.appliedEntries
	ch <- c.appliedBatches
	ch <- c.applyRetries
	ch <- c.bufferBytes
	ch <- c.bufferEntries
	ch <- c.sessions
	ch <- c.oplogBytes
	ch <- c.syncAttempts
	ch <- c.syncAppliedOps
	ch <- c.rollbackID
}

func (c *TideCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Applier != nil {
		ch <- prometheus.MustNewConstMetric(c.appliedEntries, prometheus.CounterValue, float64(c.src.Applier.EntriesApplied()))
		ch <- prometheus.MustNewConstMetric(c.appliedBatches, prometheus.CounterValue, float64(c.src.Applier.BatchesApplied()))
		ch <- prometheus.MustNewConstMetric(c.applyRetries, prometheus.CounterValue, float64(c.src.Applier.Retries()))
	}
	if c.src.Buffer != nil {
		ch <- prometheus.MustNewConstMetric(c.bufferBytes, prometheus.GaugeValue, float64(c.src.Buffer.SizeBytes()))
		ch <- prometheus.MustNewConstMetric(c.bufferEntries, prometheus.GaugeValue, float64(c.src.Buffer.Len()))
	}
	if c.src.Sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(c.src.Sessions.Count()))
	}
	if c.src.Oplog != nil {
		ch <- prometheus.MustNewConstMetric(c.oplogBytes, prometheus.GaugeValue, float64(c.src.Oplog.SizeBytes()))
	}
	if c.src.Syncer != nil {
		p := c.src.Syncer.Progress()
		ch <- prometheus.MustNewConstMetric(c.syncAttempts, prometheus.CounterValue, float64(len(p.Attempts)))
		ch <- prometheus.MustNewConstMetric(c.syncAppliedOps, prometheus.GaugeValue, float64(p.AppliedOps))
	}
	if c.src.Meta != nil {
		if id, err := c.src.Meta.RollbackID(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.rollbackID, prometheus.GaugeValue, float64(id))
		}
	}
}

// StartMetricsServer starts an HTTP server for Prometheus scraping.
// It binds to localhost if no IP is specified for security.
func StartMetricsServer(addr string, src Sources, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
		logger.Info("Metrics address defaults to localhost for security", "addr", addr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewTideCollector(src))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}()
}
