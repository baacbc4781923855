package pipeline

import (
	"context"
	"errors"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/pkg/logger"
)

// Backoff is base * 2^(attempt-1), capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// attempt makes one gateway call for the delivery and persists the next
// state. Deliveries that are no longer active or not yet due are skipped.
// A positive return is the wait before the delivery should be tried again.
func (f *Forwarder) attempt(ctx context.Context, workerID int, fp string) time.Duration {
	log := logger.Get().With("worker", workerID, "fingerprint", fp)

	d, err := f.store.Delivery(ctx, fp)
	if err != nil {
		log.Errorw("load delivery failed", "error", err)
		return 0
	}
	if d.Status != conversion.DeliveryPending && d.Status != conversion.DeliveryRetrying {
		log.Debugw("delivery no longer active", "status", d.Status)
		return 0
	}
	now := f.now()
	if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
		log.Debugw("delivery not due yet", "next_attempt_at", d.NextAttemptAt)
		return d.NextAttemptAt.Sub(now)
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = f.cfg.MaxAttempts
	}
	attempt := d.Attempts + 1
	log = log.With("attempt", attempt, "max_attempts", maxAttempts)

	start := time.Now()
	err = f.gateway.Forward(ctx, d)
	if err == nil {
		latency := time.Since(start).Milliseconds()
		if err := f.store.MarkDelivered(ctx, fp, attempt, f.now()); err != nil {
			// still active, so a later sweep resends with the same event_id
			log.Errorw("delivered but state not saved", "error", err)
			return 0
		}
		f.metrics.AddLatency(latency)
		f.metrics.IncForwarded()
		log.Infow("delivery forwarded", "latency_ms", latency)
		return 0
	}

	f.metrics.IncFailedTry()
	if !errors.Is(err, conversion.ErrGatewayUnreachable) {
		log.Warnw("unexpected gateway error", "error", err)
	}

	if attempt >= maxAttempts {
		if err := f.store.MarkDeadLettered(ctx, fp, attempt, f.now(), err.Error()); err != nil {
			log.Errorw("dead-letter state not saved", "error", err)
			return 0
		}
		f.metrics.IncDeadLettered()
		log.Errorw("delivery dead-lettered", "error", err)
		return 0
	}

	wait := Backoff(f.cfg.RetryBaseBackoff, f.cfg.RetryMaxBackoff, attempt)
	next := f.now().Add(wait)
	if err := f.store.MarkRetrying(ctx, fp, attempt, next, err.Error()); err != nil {
		log.Errorw("retry state not saved", "error", err)
		return 0
	}
	log.Warnw("forward attempt failed, will retry", "backoff_ms", wait.Milliseconds(), "error", err)
	return wait
}
