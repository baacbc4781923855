package diagnostics

import (
	"context"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/storage"
)

// StatsSource is the read-only view of the server store.
type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
	Deliveries(ctx context.Context, status conversion.DeliveryStatus, limit int) ([]conversion.Delivery, error)
}

type DeadLetter struct {
	Fingerprint    string     `json:"fingerprint"`
	ExternalID     string     `json:"external_id,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

type ServerStatus struct {
	Leads       int                               `json:"leads"`
	Deliveries  map[conversion.DeliveryStatus]int `json:"deliveries"`
	DeadLetters []DeadLetter                      `json:"dead_letters"`
}

// MaxDeadLetters bounds the dead-letter listing in a ServerReport.
const MaxDeadLetters = 100

func ServerReport(ctx context.Context, src StatsSource) (ServerStatus, error) {
	st, err := src.Stats(ctx)
	if err != nil {
		return ServerStatus{}, err
	}
	dead, err := src.Deliveries(ctx, conversion.DeliveryDeadLettered, MaxDeadLetters)
	if err != nil {
		return ServerStatus{}, err
	}
	out := ServerStatus{
		Leads:       st.Leads,
		Deliveries:  st.Deliveries,
		DeadLetters: make([]DeadLetter, 0, len(dead)),
	}
	for _, d := range dead {
		out.DeadLetters = append(out.DeadLetters, DeadLetter{
			Fingerprint:    d.Fingerprint,
			ExternalID:     d.ExternalID,
			Attempts:       d.Attempts,
			LastError:      d.LastError,
			DeadLetteredAt: d.DeadLetteredAt,
		})
	}
	return out, nil
}
