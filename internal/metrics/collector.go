package metrics

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats provides the collector access to live session state.
type SessionStats interface {
	Recording() bool
	ElapsedSeconds() int64
	InFlight() int
	QueueDepth() int
	LiveSubscriberCount() int
}

// DBStatser is satisfied by the SQLite store.
type DBStatser interface {
	DBStats() sql.DBStats
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats SessionStats
	db    DBStatser
	pool  *pgxpool.Pool

	recording       *prometheus.Desc
	elapsed         *prometheus.Desc
	inFlight        *prometheus.Desc
	queueDepth      *prometheus.Desc
	liveSubscribers *prometheus.Desc
	dbOpenConns     *prometheus.Desc
	dbWaitCount     *prometheus.Desc
	pgTotalConns    *prometheus.Desc
	pgAcquiredConns *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// db and pool may be nil (metrics will report 0).
func NewCollector(stats SessionStats, db DBStatser, pool *pgxpool.Pool) *Collector {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &Collector{
		stats:           stats,
		db:              db,
		pool:            pool,
		recording:       desc("session", "recording", "1 while a session is recording."),
		elapsed:         desc("session", "elapsed_seconds", "Elapsed seconds of the current session."),
		inFlight:        desc("session", "dispatches_in_flight", "Segment transcriptions currently running."),
		queueDepth:      desc("queue", "depth", "Segments waiting in the offline queue."),
		liveSubscribers: desc("", "live_subscribers_active", "Current number of live state subscribers."),
		dbOpenConns:     desc("sqlite", "open_conns", "Open SQLite connections."),
		dbWaitCount:     desc("sqlite", "wait_count", "Total waits for the single SQLite connection."),
		pgTotalConns:    desc("pg_pool", "total_conns", "Total PostgreSQL pool connections."),
		pgAcquiredConns: desc("pg_pool", "acquired_conns", "PostgreSQL pool connections currently in use."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recording
	ch <- c.elapsed
	ch <- c.inFlight
	ch <- c.queueDepth
	ch <- c.liveSubscribers
	ch <- c.dbOpenConns
	ch <- c.dbWaitCount
	ch <- c.pgTotalConns
	ch <- c.pgAcquiredConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	var recording, elapsed, inFlight, depth, subs float64
	if c.stats != nil {
		if c.stats.Recording() {
			recording = 1
		}
		elapsed = float64(c.stats.ElapsedSeconds())
		inFlight = float64(c.stats.InFlight())
		depth = float64(c.stats.QueueDepth())
		subs = float64(c.stats.LiveSubscriberCount())
	}
	gauge(c.recording, recording)
	gauge(c.elapsed, elapsed)
	gauge(c.inFlight, inFlight)
	gauge(c.queueDepth, depth)
	gauge(c.liveSubscribers, subs)

	if c.db != nil {
		st := c.db.DBStats()
		gauge(c.dbOpenConns, float64(st.OpenConnections))
		ch <- prometheus.MustNewConstMetric(c.dbWaitCount, prometheus.CounterValue, float64(st.WaitCount))
	} else {
		gauge(c.dbOpenConns, 0)
		ch <- prometheus.MustNewConstMetric(c.dbWaitCount, prometheus.CounterValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		gauge(c.pgTotalConns, float64(stat.TotalConns()))
		gauge(c.pgAcquiredConns, float64(stat.AcquiredConns()))
	} else {
		gauge(c.pgTotalConns, 0)
		gauge(c.pgAcquiredConns, 0)
	}
}
