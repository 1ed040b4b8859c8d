package mpipe

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer is the pluggable metrics-collection interface every
// packet-handling loop reports through. Parallel to the teacher's own
// Metrics/Observer pair: a built-in atomic-counter implementation for
// zero-dependency use, and a production implementation (PromObserver)
// wired to github.com/prometheus/client_golang.
type Observer interface {
	// ObservePacketSent is called once per data packet placed on the wire.
	ObservePacketSent(pipeID uint32, bytes int)

	// ObservePacketReceived is called once per in-order data packet
	// delivered to a pipe's receive queue.
	ObservePacketReceived(pipeID uint32, bytes int)

	// ObserveRetransmit is called once per PACKETLOSS report the master
	// answers, with the number of packets it resent.
	ObserveRetransmit(pipeID uint32, count int)

	// ObserveNAK is called once per gap a slave detects, when it emits
	// its burst of PACKETLOSS messages.
	ObserveNAK(pipeID uint32)

	// ObserveBarrierLatency is called once a barrier or gather on pipeID
	// completes, with the wall-clock time spent waiting on it.
	ObserveBarrierLatency(pipeID uint32, d time.Duration)

	// ObserveQueueDepth records the current length of a pipe's
	// retained-or-delivered packet queue. The multiplexer's own loops do
	// not call it.
	ObserveQueueDepth(pipeID uint32, depth int)
}

// NoOpObserver discards every observation. The Multiplexer default.
type NoOpObserver struct{}

func (NoOpObserver) ObservePacketSent(uint32, int)             {}
func (NoOpObserver) ObservePacketReceived(uint32, int)         {}
func (NoOpObserver) ObserveRetransmit(uint32, int)             {}
func (NoOpObserver) ObserveNAK(uint32)                         {}
func (NoOpObserver) ObserveBarrierLatency(uint32, time.Duration) {}
func (NoOpObserver) ObserveQueueDepth(uint32, int)             {}

// Metrics is a built-in, dependency-free atomic-counter implementation of
// the data Observer reports, aggregated across all pipes. Use
// NewMetricsObserver to expose it as an Observer.
type Metrics struct {
	PacketsSent     atomic.Uint64
	PacketsReceived atomic.Uint64
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	Retransmits     atomic.Uint64
	NAKs            atomic.Uint64

	BarrierCount        atomic.Uint64
	TotalBarrierLatency atomic.Int64 // nanoseconds
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

// Snapshot is a point-in-time copy of a Metrics' counters.
type Snapshot struct {
	PacketsSent       uint64
	PacketsReceived   uint64
	BytesSent         uint64
	BytesReceived     uint64
	Retransmits       uint64
	NAKs              uint64
	AvgBarrierLatency time.Duration
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		PacketsSent:     m.PacketsSent.Load(),
		PacketsReceived: m.PacketsReceived.Load(),
		BytesSent:       m.BytesSent.Load(),
		BytesReceived:   m.BytesReceived.Load(),
		Retransmits:     m.Retransmits.Load(),
		NAKs:            m.NAKs.Load(),
	}
	if n := m.BarrierCount.Load(); n > 0 {
		s.AvgBarrierLatency = time.Duration(m.TotalBarrierLatency.Load() / int64(n))
	}
	return s
}

// MetricsObserver adapts a Metrics into an Observer, ignoring per-pipe
// labels (spec.md's public API has no notion of exporting per-pipe
// counters without a labeled backend; use PromObserver for that).
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePacketSent(_ uint32, bytes int) {
	o.metrics.PacketsSent.Add(1)
	o.metrics.BytesSent.Add(uint64(bytes))
}

func (o *MetricsObserver) ObservePacketReceived(_ uint32, bytes int) {
	o.metrics.PacketsReceived.Add(1)
	o.metrics.BytesReceived.Add(uint64(bytes))
}

func (o *MetricsObserver) ObserveRetransmit(_ uint32, count int) {
	o.metrics.Retransmits.Add(uint64(count))
}

func (o *MetricsObserver) ObserveNAK(uint32) {
	o.metrics.NAKs.Add(1)
}

func (o *MetricsObserver) ObserveBarrierLatency(_ uint32, d time.Duration) {
	o.metrics.BarrierCount.Add(1)
	o.metrics.TotalBarrierLatency.Add(int64(d))
}

func (o *MetricsObserver) ObserveQueueDepth(uint32, int) {}

// PromObserver implements Observer against
// github.com/prometheus/client_golang, labeling every series by pipe id
// so a cluster-wide dashboard can break out per-pipe behavior, the way
// the pack's own exporter (sockstats) labels per-connection counters.
type PromObserver struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	bytesSent       *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	retransmits     *prometheus.CounterVec
	naks            *prometheus.CounterVec
	barrierLatency  *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
}

// NewPromObserver creates and registers the mpipe metric families with
// reg. Pass a dedicated *prometheus.Registry, or prometheus.DefaultRegisterer
// to expose alongside the process default metrics.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	o := &PromObserver{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpipe", Name: "packets_sent_total", Help: "Data packets sent per pipe.",
		}, []string{"pipe"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpipe", Name: "packets_received_total", Help: "Data packets delivered per pipe.",
		}, []string{"pipe"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpipe", Name: "bytes_sent_total", Help: "Payload bytes sent per pipe.",
		}, []string{"pipe"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpipe", Name: "bytes_received_total", Help: "Payload bytes delivered per pipe.",
		}, []string{"pipe"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpipe", Name: "retransmits_total", Help: "Packets resent by the master after a PACKETLOSS report.",
		}, []string{"pipe"}),
		naks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpipe", Name: "naks_total", Help: "PACKETLOSS bursts emitted by a slave, one per detected gap.",
		}, []string{"pipe"}),
		barrierLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mpipe", Name: "barrier_latency_seconds", Help: "Time spent waiting for a barrier/gather to complete.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipe"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mpipe", Name: "queue_depth", Help: "Current retained or delivered packet queue length per pipe.",
		}, []string{"pipe"}),
	}
	for _, c := range []prometheus.Collector{
		o.packetsSent, o.packetsReceived, o.bytesSent, o.bytesReceived,
		o.retransmits, o.naks, o.barrierLatency, o.queueDepth,
	} {
		reg.MustRegister(c)
	}
	return o
}

func pipeLabel(pipeID uint32) string { return strconv.FormatUint(uint64(pipeID), 10) }

func (o *PromObserver) ObservePacketSent(pipeID uint32, bytes int) {
	l := pipeLabel(pipeID)
	o.packetsSent.WithLabelValues(l).Inc()
	o.bytesSent.WithLabelValues(l).Add(float64(bytes))
}

func (o *PromObserver) ObservePacketReceived(pipeID uint32, bytes int) {
	l := pipeLabel(pipeID)
	o.packetsReceived.WithLabelValues(l).Inc()
	o.bytesReceived.WithLabelValues(l).Add(float64(bytes))
}

func (o *PromObserver) ObserveRetransmit(pipeID uint32, count int) {
	o.retransmits.WithLabelValues(pipeLabel(pipeID)).Add(float64(count))
}

func (o *PromObserver) ObserveNAK(pipeID uint32) {
	o.naks.WithLabelValues(pipeLabel(pipeID)).Inc()
}

func (o *PromObserver) ObserveBarrierLatency(pipeID uint32, d time.Duration) {
	o.barrierLatency.WithLabelValues(pipeLabel(pipeID)).Observe(d.Seconds())
}

func (o *PromObserver) ObserveQueueDepth(pipeID uint32, depth int) {
	o.queueDepth.WithLabelValues(pipeLabel(pipeID)).Set(float64(depth))
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*PromObserver)(nil)
	_ Observer = NoOpObserver{}
)
