package chat

import (
	"github.com/prometheus/client_golang/prometheus"

	"go-convsync/internal/broadcast"
	"go-convsync/internal/replica"
)

// Source names the path a candidate message arrived on.
type Source string

const (
	SourceLocal     Source = "local"
	SourceReplica   Source = "replica"
	SourceBroadcast Source = "broadcast"
	SourceImport    Source = "import"
)

// Metrics is shared by every engine in the process. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	applied         *prometheus.CounterVec
	deduplicated    *prometheus.CounterVec
	horizonFiltered prometheus.Counter
	staleSnapshots  prometheus.Counter
	durableWrites   *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	echoesDropped   prometheus.Counter
	openRooms       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "messages_applied_total",
			Help:      "Messages inserted into a conversation, by source.",
		}, []string{"source"}),
		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "messages_deduplicated_total",
			Help:      "Candidate messages discarded as already present.",
		}, []string{"source", "reason"}),
		horizonFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "messages_horizon_filtered_total",
			Help:      "Replica messages hidden because they predate the participant's join.",
		}),
		staleSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "replica_stale_snapshots_total",
			Help:      "Replica snapshots discarded because they belong to an older epoch.",
		}),
		durableWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "durable_writes_total",
			Help:      "Background durable write attempts, by outcome.",
		}, []string{"outcome"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "broadcast_publish_failures_total",
			Help:      "Broadcast events the transport refused.",
		}, []string{"kind"}),
		echoesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "broadcast_echoes_dropped_total",
			Help:      "Inbound broadcast events dropped because they originated locally.",
		}),
		openRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Name:      "open_conversations",
			Help:      "Conversations with a running merge queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.applied,
			m.deduplicated,
			m.horizonFiltered,
			m.staleSnapshots,
			m.durableWrites,
			m.publishFailures,
			m.echoesDropped,
			m.openRooms,
		)
	}
	return m
}

func (m *Metrics) merged(src Source, res string, inserted bool) {
	if m == nil {
		return
	}
	if inserted {
		m.applied.WithLabelValues(string(src)).Inc()
		return
	}
	m.deduplicated.WithLabelValues(string(src), res).Inc()
}

func (m *Metrics) filtered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.horizonFiltered.Add(float64(n))
}

func (m *Metrics) staleSnapshot() {
	if m == nil {
		return
	}
	m.staleSnapshots.Inc()
}

func (m *Metrics) durableWrite(_ string, o replica.Outcome) {
	if m == nil {
		return
	}
	m.durableWrites.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) publishFailed(kind broadcast.EventKind, _ error) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) echoDropped(broadcast.EventKind) {
	if m == nil {
		return
	}
	m.echoesDropped.Inc()
}

func (m *Metrics) roomOpened() {
	if m == nil {
		return
	}
	m.openRooms.Inc()
}

func (m *Metrics) roomClosed() {
	if m == nil {
		return
	}
	m.openRooms.Dec()
}
