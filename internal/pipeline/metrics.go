package pipeline

import (
	"sync/atomic"
	"time"
)

// Metrics counts webhook ingestion and gateway forwarding. Safe for
// concurrent use.
type Metrics struct {
	received     uint64
	duplicates   uint64
	rejected     uint64
	forwarded    uint64
	failedTries  uint64
	deadLettered uint64
	redelivered  uint64

	totalLatencyMS uint64
	startTime      time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncReceived()     { atomic.AddUint64(&m.received, 1) }
func (m *Metrics) IncDuplicate()    { atomic.AddUint64(&m.duplicates, 1) }
func (m *Metrics) IncRejected()     { atomic.AddUint64(&m.rejected, 1) }
func (m *Metrics) IncForwarded()    { atomic.AddUint64(&m.forwarded, 1) }
func (m *Metrics) IncFailedTry()    { atomic.AddUint64(&m.failedTries, 1) }
func (m *Metrics) IncDeadLettered() { atomic.AddUint64(&m.deadLettered, 1) }
func (m *Metrics) IncRedelivered()  { atomic.AddUint64(&m.redelivered, 1) }

func (m *Metrics) AddLatency(ms int64) {
	atomic.AddUint64(&m.totalLatencyMS, uint64(ms))
}

func (m *Metrics) GetReceived() uint64     { return atomic.LoadUint64(&m.received) }
func (m *Metrics) GetDuplicates() uint64   { return atomic.LoadUint64(&m.duplicates) }
func (m *Metrics) GetRejected() uint64     { return atomic.LoadUint64(&m.rejected) }
func (m *Metrics) GetForwarded() uint64    { return atomic.LoadUint64(&m.forwarded) }
func (m *Metrics) GetFailedTries() uint64  { return atomic.LoadUint64(&m.failedTries) }
func (m *Metrics) GetDeadLettered() uint64 { return atomic.LoadUint64(&m.deadLettered) }
func (m *Metrics) GetRedelivered() uint64  { return atomic.LoadUint64(&m.redelivered) }

// AvgForwardLatencyMS is the mean time of successful gateway calls.
func (m *Metrics) AvgForwardLatencyMS() float64 {
	forwarded := m.GetForwarded()
	if forwarded == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.totalLatencyMS)) / float64(forwarded)
}

func (m *Metrics) StartTime() time.Time {
	return m.startTime
}
