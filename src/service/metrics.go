package service

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/HiveNetCode/distributed-mls/src/net"
)

// Metrics accumulates frame counts and sizes. Sizes of both directions
// feed one distribution, matching the protocol benchmarks' view of
// "message size".
type Metrics struct {
	mu sync.Mutex

	framesIn  int
	framesOut int
	sizes     []float64
}

// NewMetrics returns an empty recorder.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordIn counts one inbound frame.
func (m *Metrics) RecordIn(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesIn++
	m.sizes = append(m.sizes, float64(size))
}

// RecordOut counts one outbound frame.
func (m *Metrics) RecordOut(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesOut++
	m.sizes = append(m.sizes, float64(size))
}

// Snapshot returns the counts and the mean and standard deviation of the
// observed frame sizes.
func (m *Metrics) Snapshot() (framesIn, framesOut int, mean, stddev float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sizes) > 0 {
		mean = stat.Mean(m.sizes, nil)
		stddev = stat.StdDev(m.sizes, nil)
	}
	return m.framesIn, m.framesOut, mean, stddev
}

// CountingTransport decorates a Transport, recording every outbound frame.
// Inbound frames are recorded by the frame handler.
type CountingTransport struct {
	net.Transport
	metrics *Metrics
}

// NewCountingTransport wraps trans.
func NewCountingTransport(trans net.Transport, metrics *Metrics) *CountingTransport {
	return &CountingTransport{Transport: trans, metrics: metrics}
}

// Broadcast implements net.Transport.
func (t *CountingTransport) Broadcast(frame []byte) {
	t.metrics.RecordOut(len(frame))
	t.Transport.Broadcast(frame)
}

// BroadcastSample implements net.Transport.
func (t *CountingTransport) BroadcastSample(ids []string, frame []byte) {
	t.metrics.RecordOut(len(frame))
	t.Transport.BroadcastSample(ids, frame)
}

// Send implements net.Transport.
func (t *CountingTransport) Send(id string, frame []byte) {
	t.metrics.RecordOut(len(frame))
	t.Transport.Send(id, frame)
}

var _ net.Transport = (*CountingTransport)(nil)
