package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes Prometheus-style metrics for the store.
type Metrics struct {
	// Counters
	commandsTotal  atomic.Uint64
	keysWritten    atomic.Uint64
	keysDeleted    atomic.Uint64
	hitsTotal      atomic.Uint64
	missesTotal    atomic.Uint64
	expiredTotal   atomic.Uint64
	snapshotsTotal atomic.Uint64
	errorsTotal    atomic.Uint64

	// Gauges
	liveKeys atomic.Int64
	logBytes atomic.Int64
	epoch    atomic.Uint64

	// Latency sums (microseconds) for simple averages
	readLatencySum  atomic.Uint64
	readLatencyN    atomic.Uint64
	writeLatencySum atomic.Uint64
	writeLatencyN   atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRead records one read command and whether it hit.
func (m *Metrics) RecordRead(hit bool, latency time.Duration) {
	m.commandsTotal.Add(1)
	if hit {
		m.hitsTotal.Add(1)
	} else {
		m.missesTotal.Add(1)
	}
	m.readLatencySum.Add(uint64(latency.Microseconds()))
	m.readLatencyN.Add(1)
}

// RecordWrite records n written keys.
func (m *Metrics) RecordWrite(n int, latency time.Duration) {
	m.commandsTotal.Add(1)
	m.keysWritten.Add(uint64(n))
	m.writeLatencySum.Add(uint64(latency.Microseconds()))
	m.writeLatencyN.Add(1)
}

// RecordDelete records one delete command.
func (m *Metrics) RecordDelete(latency time.Duration) {
	m.commandsTotal.Add(1)
	m.keysDeleted.Add(1)
	m.writeLatencySum.Add(uint64(latency.Microseconds()))
	m.writeLatencyN.Add(1)
}

// RecordExpired adds n lazily or actively expired keys.
func (m *Metrics) RecordExpired(n int) {
	m.expiredTotal.Add(uint64(n))
}

// RecordSnapshot counts one finished snapshot.
func (m *Metrics) RecordSnapshot() {
	m.snapshotsTotal.Add(1)
}

// RecordError records an error surfaced to a client.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// SetLiveKeys publishes the current live entry count.
func (m *Metrics) SetLiveKeys(n int) {
	m.liveKeys.Store(int64(n))
}

// SetLogBytes publishes the operation log size.
func (m *Metrics) SetLogBytes(n int64) {
	m.logBytes.Store(n)
}

// SetEpoch publishes the slot configuration epoch.
func (m *Metrics) SetEpoch(e uint64) {
	m.epoch.Store(e)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		uptime := time.Since(m.startTime).Seconds()
		fmt.Fprintf(w, "# HELP zumic_uptime_seconds Time since server started\n")
		fmt.Fprintf(w, "# TYPE zumic_uptime_seconds gauge\n")
		fmt.Fprintf(w, "zumic_uptime_seconds %.2f\n\n", uptime)

		fmt.Fprintf(w, "# HELP zumic_commands_total Total commands processed\n")
		fmt.Fprintf(w, "# TYPE zumic_commands_total counter\n")
		fmt.Fprintf(w, "zumic_commands_total %d\n\n", m.commandsTotal.Load())

		fmt.Fprintf(w, "# HELP zumic_keys_written_total Total keys written\n")
		fmt.Fprintf(w, "# TYPE zumic_keys_written_total counter\n")
		fmt.Fprintf(w, "zumic_keys_written_total %d\n\n", m.keysWritten.Load())

		fmt.Fprintf(w, "# HELP zumic_keys_deleted_total Total keys deleted\n")
		fmt.Fprintf(w, "# TYPE zumic_keys_deleted_total counter\n")
		fmt.Fprintf(w, "zumic_keys_deleted_total %d\n\n", m.keysDeleted.Load())

		fmt.Fprintf(w, "# HELP zumic_hits_total Reads that found a live key\n")
		fmt.Fprintf(w, "# TYPE zumic_hits_total counter\n")
		fmt.Fprintf(w, "zumic_hits_total %d\n\n", m.hitsTotal.Load())

		fmt.Fprintf(w, "# HELP zumic_misses_total Reads of absent or expired keys\n")
		fmt.Fprintf(w, "# TYPE zumic_misses_total counter\n")
		fmt.Fprintf(w, "zumic_misses_total %d\n\n", m.missesTotal.Load())

		fmt.Fprintf(w, "# HELP zumic_expired_total Keys removed by expiry\n")
		fmt.Fprintf(w, "# TYPE zumic_expired_total counter\n")
		fmt.Fprintf(w, "zumic_expired_total %d\n\n", m.expiredTotal.Load())

		fmt.Fprintf(w, "# HELP zumic_snapshots_total Snapshots completed\n")
		fmt.Fprintf(w, "# TYPE zumic_snapshots_total counter\n")
		fmt.Fprintf(w, "zumic_snapshots_total %d\n\n", m.snapshotsTotal.Load())

		fmt.Fprintf(w, "# HELP zumic_errors_total Errors returned to clients\n")
		fmt.Fprintf(w, "# TYPE zumic_errors_total counter\n")
		fmt.Fprintf(w, "zumic_errors_total %d\n\n", m.errorsTotal.Load())

		fmt.Fprintf(w, "# HELP zumic_live_keys Current live key count\n")
		fmt.Fprintf(w, "# TYPE zumic_live_keys gauge\n")
		fmt.Fprintf(w, "zumic_live_keys %d\n\n", m.liveKeys.Load())

		fmt.Fprintf(w, "# HELP zumic_log_bytes Operation log size\n")
		fmt.Fprintf(w, "# TYPE zumic_log_bytes gauge\n")
		fmt.Fprintf(w, "zumic_log_bytes %d\n\n", m.logBytes.Load())

		fmt.Fprintf(w, "# HELP zumic_slot_epoch Slot configuration epoch\n")
		fmt.Fprintf(w, "# TYPE zumic_slot_epoch gauge\n")
		fmt.Fprintf(w, "zumic_slot_epoch %d\n\n", m.epoch.Load())

		readN := m.readLatencyN.Load()
		if readN > 0 {
			avg := float64(m.readLatencySum.Load()) / float64(readN) / 1000.0
			fmt.Fprintf(w, "# HELP zumic_read_latency_ms Average read latency\n")
			fmt.Fprintf(w, "# TYPE zumic_read_latency_ms gauge\n")
			fmt.Fprintf(w, "zumic_read_latency_ms %.2f\n\n", avg)
		}
		writeN := m.writeLatencyN.Load()
		if writeN > 0 {
			avg := float64(m.writeLatencySum.Load()) / float64(writeN) / 1000.0
			fmt.Fprintf(w, "# HELP zumic_write_latency_ms Average write latency\n")
			fmt.Fprintf(w, "# TYPE zumic_write_latency_ms gauge\n")
			fmt.Fprintf(w, "zumic_write_latency_ms %.2f\n", avg)
		}
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CommandsTotal  uint64
	KeysWritten    uint64
	KeysDeleted    uint64
	HitsTotal      uint64
	MissesTotal    uint64
	ExpiredTotal   uint64
	SnapshotsTotal uint64
	ErrorsTotal    uint64
	LiveKeys       int64
	LogBytes       int64
	Epoch          uint64
	UptimeSeconds  float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CommandsTotal:  m.commandsTotal.Load(),
		KeysWritten:    m.keysWritten.Load(),
		KeysDeleted:    m.keysDeleted.Load(),
		HitsTotal:      m.hitsTotal.Load(),
		MissesTotal:    m.missesTotal.Load(),
		ExpiredTotal:   m.expiredTotal.Load(),
		SnapshotsTotal: m.snapshotsTotal.Load(),
		ErrorsTotal:    m.errorsTotal.Load(),
		LiveKeys:       m.liveKeys.Load(),
		LogBytes:       m.logBytes.Load(),
		Epoch:          m.epoch.Load(),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
	}
}
