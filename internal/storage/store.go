package storage

import (
	"context"
	"errors"
	"time"

	"conversion-pipeline/internal/conversion"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrNotDeadLettered = errors.New("storage: delivery is not dead-lettered")
)

// Claim is the unit written atomically for a first-seen webhook: the capi
// DispatchRecord (carried by Delivery) and the lead upsert.
type Claim struct {
	Delivery conversion.Delivery
	Lead     conversion.LeadRecord
}

type ClaimResult struct {
	// Inserted is false when a delivery with the same fingerprint or
	// external id already exists. Nothing is written in that case.
	Inserted bool
	Lead     conversion.LeadRecord
}

type Stats struct {
	Leads      int                               `json:"leads"`
	Deliveries map[conversion.DeliveryStatus]int `json:"deliveries"`
}

// Store is implemented by every server backend.
type Store interface {
	Claim(ctx context.Context, c Claim) (ClaimResult, error)
	Lead(ctx context.Context, email string) (conversion.LeadRecord, error)
	Delivery(ctx context.Context, fp string) (conversion.Delivery, error)
	Deliveries(ctx context.Context, status conversion.DeliveryStatus, limit int) ([]conversion.Delivery, error)

	// Retry state transitions. Each only applies to a delivery that is still
	// pending or retrying.
	MarkDelivered(ctx context.Context, fp string, attempts int, at time.Time) error
	MarkRetrying(ctx context.Context, fp string, attempts int, next time.Time, lastErr string) error
	MarkDeadLettered(ctx context.Context, fp string, attempts int, at time.Time, lastErr string) error

	// Due lists pending/retrying deliveries whose next attempt is not in the
	// future, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]conversion.Delivery, error)
	// Requeue moves a dead-lettered delivery back to pending with a fresh
	// attempt budget.
	Requeue(ctx context.Context, fp string) (conversion.Delivery, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
