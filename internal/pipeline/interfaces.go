package pipeline

import (
	"context"
	"time"

	"conversion-pipeline/internal/conversion"
)

// Gateway forwards one delivery to the conversions gateway. capi.Client
// satisfies it.
type Gateway interface {
	Forward(ctx context.Context, d conversion.Delivery) error
}

// DeliveryStore is the slice of storage.Store the forwarder needs.
type DeliveryStore interface {
	Delivery(ctx context.Context, fp string) (conversion.Delivery, error)
	MarkDelivered(ctx context.Context, fp string, attempts int, at time.Time) error
	MarkRetrying(ctx context.Context, fp string, attempts int, next time.Time, lastErr string) error
	MarkDeadLettered(ctx context.Context, fp string, attempts int, at time.Time, lastErr string) error
	Due(ctx context.Context, now time.Time, limit int) ([]conversion.Delivery, error)
	Requeue(ctx context.Context, fp string) (conversion.Delivery, error)
}
