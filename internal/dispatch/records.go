package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"conversion-pipeline/internal/conversion"
)

// RecordStore holds DispatchRecords. At most one record exists per
// (fingerprint, channel); Put on an existing pair keeps the first record.
type RecordStore interface {
	Has(ctx context.Context, fp string, ch conversion.Channel) (bool, error)
	Put(ctx context.Context, rec conversion.DispatchRecord) error
	Prune(ctx context.Context, before time.Time) (int, error)
	List(ctx context.Context) ([]conversion.DispatchRecord, error)
}

type recordKey struct {
	fp string
	ch conversion.Channel
}

type MemoryRecords struct {
	mu      sync.Mutex
	records map[recordKey]conversion.DispatchRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: map[recordKey]conversion.DispatchRecord{}}
}

func (m *MemoryRecords) Has(_ context.Context, fp string, ch conversion.Channel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[recordKey{fp, ch}]
	return ok, nil
}

func (m *MemoryRecords) Put(_ context.Context, rec conversion.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{rec.Fingerprint, rec.Channel}
	if _, ok := m.records[k]; !ok {
		m.records[k] = rec
	}
	return nil
}

func (m *MemoryRecords) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.DispatchedAt.Before(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// List returns records ordered by dispatch time, then fingerprint and channel.
func (m *MemoryRecords) List(_ context.Context) ([]conversion.DispatchRecord, error) {
	m.mu.Lock()
	out := make([]conversion.DispatchRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()
	SortRecords(out)
	return out, nil
}

func SortRecords(recs []conversion.DispatchRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.DispatchedAt.Equal(b.DispatchedAt) {
			return a.DispatchedAt.Before(b.DispatchedAt)
		}
		if a.Fingerprint != b.Fingerprint {
			return a.Fingerprint < b.Fingerprint
		}
		return a.Channel < b.Channel
	})
}
