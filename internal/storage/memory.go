package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"conversion-pipeline/internal/conversion"
)

// Memory is a process-local Store. It loses everything on restart and is
// meant for tests and local runs.
type Memory struct {
	mu         sync.Mutex
	leads      map[string]conversion.LeadRecord
	deliveries map[string]conversion.Delivery
	external   map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		leads:      map[string]conversion.LeadRecord{},
		deliveries: map[string]conversion.Delivery{},
		external:   map[string]string{},
	}
}

func (m *Memory) Claim(_ context.Context, c Claim) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := c.Delivery
	if _, dup := m.deliveries[d.Fingerprint]; dup {
		return ClaimResult{}, nil
	}
	if d.ExternalID != "" {
		if _, dup := m.external[d.ExternalID]; dup {
			return ClaimResult{}, nil
		}
		m.external[d.ExternalID] = d.Fingerprint
	}
	m.deliveries[d.Fingerprint] = d

	lead := c.Lead
	if existing, ok := m.leads[lead.Email]; ok {
		lead = existing.Merge(lead)
	}
	m.leads[lead.Email] = lead
	return ClaimResult{Inserted: true, Lead: lead}, nil
}

func (m *Memory) Lead(_ context.Context, email string) (conversion.LeadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[conversion.NormalizeEmail(email)]
	if !ok {
		return conversion.LeadRecord{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) Delivery(_ context.Context, fp string) (conversion.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[fp]
	if !ok {
		return conversion.Delivery{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) Deliveries(_ context.Context, status conversion.DeliveryStatus, limit int) ([]conversion.Delivery, error) {
	m.mu.Lock()
	var out []conversion.Delivery
	for _, d := range m.deliveries {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	m.mu.Unlock()
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// update applies fn to an active (pending or retrying) delivery.
func (m *Memory) update(fp string, fn func(*conversion.Delivery)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[fp]
	if !ok {
		return ErrNotFound
	}
	if d.Status != conversion.DeliveryPending && d.Status != conversion.DeliveryRetrying {
		return nil
	}
	fn(&d)
	m.deliveries[fp] = d
	return nil
}

func (m *Memory) MarkDelivered(_ context.Context, fp string, attempts int, at time.Time) error {
	return m.update(fp, func(d *conversion.Delivery) {
		d.Status = conversion.DeliveryDelivered
		d.Attempts = attempts
		d.NextAttemptAt = nil
		d.DeliveredAt = &at
	})
}

func (m *Memory) MarkRetrying(_ context.Context, fp string, attempts int, next time.Time, lastErr string) error {
	return m.update(fp, func(d *conversion.Delivery) {
		d.Status = conversion.DeliveryRetrying
		d.Attempts = attempts
		d.NextAttemptAt = &next
		d.LastError = lastErr
	})
}

func (m *Memory) MarkDeadLettered(_ context.Context, fp string, attempts int, at time.Time, lastErr string) error {
	return m.update(fp, func(d *conversion.Delivery) {
		d.Status = conversion.DeliveryDeadLettered
		d.Attempts = attempts
		d.NextAttemptAt = nil
		d.LastError = lastErr
		d.DeadLetteredAt = &at
	})
}

func (m *Memory) Due(_ context.Context, now time.Time, limit int) ([]conversion.Delivery, error) {
	m.mu.Lock()
	var out []conversion.Delivery
	for _, d := range m.deliveries {
		if d.Status != conversion.DeliveryPending && d.Status != conversion.DeliveryRetrying {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	m.mu.Unlock()
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Requeue(_ context.Context, fp string) (conversion.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[fp]
	if !ok {
		return conversion.Delivery{}, ErrNotFound
	}
	if d.Status != conversion.DeliveryDeadLettered {
		return conversion.Delivery{}, ErrNotDeadLettered
	}
	d.Status = conversion.DeliveryPending
	d.Attempts = 0
	d.NextAttemptAt = nil
	d.DeadLetteredAt = nil
	m.deliveries[fp] = d
	return d, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Leads: len(m.leads), Deliveries: map[conversion.DeliveryStatus]int{}}
	for _, d := range m.deliveries {
		st.Deliveries[d.Status]++
	}
	return st, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func sortByCreated(ds []conversion.Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].Fingerprint < ds[j].Fingerprint
	})
}
