package mpipe

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpObserverSatisfiesInterface(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObservePacketSent(1, 100)
	o.ObservePacketReceived(1, 100)
	o.ObserveRetransmit(1, 2)
	o.ObserveNAK(1)
	o.ObserveBarrierLatency(1, time.Millisecond)
	o.ObserveQueueDepth(1, 5)
}

func TestMetricsObserverAccumulates(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObservePacketSent(1, 1000)
	o.ObservePacketSent(1, 500)
	o.ObservePacketReceived(1, 1000)
	o.ObserveRetransmit(1, 3)
	o.ObserveNAK(1)
	o.ObserveNAK(1)
	o.ObserveBarrierLatency(1, 10*time.Millisecond)
	o.ObserveBarrierLatency(1, 30*time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.PacketsSent)
	assert.Equal(t, uint64(1500), snap.BytesSent)
	assert.Equal(t, uint64(1), snap.PacketsReceived)
	assert.Equal(t, uint64(1000), snap.BytesReceived)
	assert.Equal(t, uint64(3), snap.Retransmits)
	assert.Equal(t, uint64(2), snap.NAKs)
	assert.Equal(t, 20*time.Millisecond, snap.AvgBarrierLatency)
}

func TestMetricsSnapshotWithNoBarriersHasZeroLatency(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Equal(t, time.Duration(0), snap.AvgBarrierLatency)
}

func TestPromObserverRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPromObserver(reg)

	o.ObservePacketSent(7, 42)
	o.ObserveQueueDepth(7, 3)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range metricFamilies {
		found[mf.GetName()] = true
		if mf.GetName() == "mpipe_packets_sent_total" {
			assertHasLabelValue(t, mf, "pipe", "7")
		}
	}
	assert.True(t, found["mpipe_packets_sent_total"])
	assert.True(t, found["mpipe_queue_depth"])
}

func assertHasLabelValue(t *testing.T, mf *dto.MetricFamily, label, value string) {
	t.Helper()
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return
			}
		}
	}
	t.Fatalf("metric family %s has no label %s=%s", mf.GetName(), label, value)
}
