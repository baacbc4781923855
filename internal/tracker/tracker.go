// Package tracker is the client entry point: it stamps each action with the
// resolved visitor identity and hands it to the dispatch coordinator. It
// never returns errors to its caller; failures are logged and swallowed.
package tracker

import (
	"context"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/dispatch"
	"conversion-pipeline/internal/identity"
	"conversion-pipeline/pkg/logger"
)

type Tracker struct {
	resolver *identity.Resolver
	coord    *dispatch.Coordinator
	now      func() time.Time
}

func New(resolver *identity.Resolver, coord *dispatch.Coordinator) *Tracker {
	return &Tracker{resolver: resolver, coord: coord, now: time.Now}
}

func (t *Tracker) Identity() identity.Identity {
	return t.resolver.Resolve()
}

// Track records one user action. The returned Outcome has an empty
// Fingerprint when the event was dropped as malformed.
func (t *Tracker) Track(ctx context.Context, typ conversion.EventType, attrs map[string]any) dispatch.Outcome {
	id := t.resolver.Resolve()

	var opts []conversion.EventOption
	if !id.Reliable {
		opts = append(opts, conversion.WithUnreliableIdentity())
	}
	e := conversion.NewEvent(typ, id.VisitorID, t.now(), attrs, opts...)

	out, err := t.coord.Dispatch(ctx, e)
	if err != nil {
		logger.Get().Infow("tracking event dropped", "type", typ, "visitor_id", id.VisitorID, "error", err)
		return dispatch.Outcome{}
	}
	if !id.Reliable {
		logger.Get().Debugw("event dispatched with unreliable identity", "fingerprint", out.Fingerprint)
	}
	return out
}

func (t *Tracker) PageView(ctx context.Context, page string) dispatch.Outcome {
	return t.Track(ctx, conversion.PageView, map[string]any{conversion.AttrPage: page})
}

func (t *Tracker) Lead(ctx context.Context, email string) dispatch.Outcome {
	return t.Track(ctx, conversion.Lead, map[string]any{conversion.AttrEmail: email})
}

func (t *Tracker) Purchase(ctx context.Context, email, orderID string, amount float64, currency string) dispatch.Outcome {
	return t.Track(ctx, conversion.Purchase, map[string]any{
		conversion.AttrEmail:    email,
		conversion.AttrOrderID:  orderID,
		conversion.AttrAmount:   amount,
		conversion.AttrCurrency: currency,
	})
}
