// Package dispatch fires each conversion event at most once per tracking
// channel.
//
// A DispatchRecord is written only after a channel confirms the send. The
// record check and the in-flight reservation happen under one lock, so a
// duplicate dispatch of the same event that starts while a send is still
// pending is skipped rather than sent twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/fingerprint"
	"conversion-pipeline/pkg/logger"
)

const DefaultHorizon = 24 * time.Hour

type Outcome struct {
	Fingerprint string
	Sent        []conversion.Channel
	Skipped     []conversion.Channel
	Failed      map[conversion.Channel]error
}

type Coordinator struct {
	gen      *fingerprint.Generator
	records  RecordStore
	channels []Channel
	horizon  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[recordKey]struct{}
	// session keeps records in memory when the durable store is blocked.
	session *MemoryRecords
}

type Option func(*Coordinator)

// WithHorizon sets how long DispatchRecords are kept before Prune drops them.
func WithHorizon(d time.Duration) Option {
	return func(c *Coordinator) { c.horizon = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(gen *fingerprint.Generator, records RecordStore, channels []Channel, opts ...Option) *Coordinator {
	c := &Coordinator{
		gen:      gen,
		records:  records,
		channels: channels,
		horizon:  DefaultHorizon,
		now:      time.Now,
		inflight: map[recordKey]struct{}{},
		session:  NewMemoryRecords(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends e to every channel that has not yet received its
// fingerprint. A malformed event is rejected before any channel is touched.
// Channel failures are reported in Outcome.Failed and never stop the other
// channels.
func (c *Coordinator) Dispatch(ctx context.Context, e conversion.Event) (Outcome, error) {
	log := logger.Get().With("component", "dispatch", "type", e.Type(), "visitor_id", e.VisitorID())

	fp, err := c.gen.Fingerprint(e)
	if err != nil {
		log.Warnw("event dropped", "error", err)
		return Outcome{}, err
	}
	log = log.With("fingerprint", fp)

	type result struct {
		ch      conversion.Channel
		sent    bool
		skipped bool
		err     error
	}
	results := make([]result, len(c.channels))

	var wg sync.WaitGroup
	for i, ch := range c.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			sent, err := c.dispatchOne(ctx, ch, e, fp)
			results[i] = result{ch: ch.Name(), sent: sent, skipped: !sent && err == nil, err: err}
		}(i, ch)
	}
	wg.Wait()

	out := Outcome{Fingerprint: fp}
	for _, r := range results {
		switch {
		case r.err != nil:
			if out.Failed == nil {
				out.Failed = map[conversion.Channel]error{}
			}
			out.Failed[r.ch] = r.err
			log.Warnw("channel dispatch failed", "channel", r.ch, "error", r.err)
		case r.sent:
			out.Sent = append(out.Sent, r.ch)
		case r.skipped:
			out.Skipped = append(out.Skipped, r.ch)
		}
	}
	log.Debugw("dispatch complete", "sent", out.Sent, "skipped", out.Skipped)
	return out, nil
}

func (c *Coordinator) dispatchOne(ctx context.Context, ch Channel, e conversion.Event, fp string) (bool, error) {
	k := recordKey{fp, ch.Name()}

	c.mu.Lock()
	if _, busy := c.inflight[k]; busy {
		c.mu.Unlock()
		return false, nil
	}
	if c.hasLocked(ctx, fp, ch.Name()) {
		c.mu.Unlock()
		return false, nil
	}
	c.inflight[k] = struct{}{}
	c.mu.Unlock()

	sendErr := ch.Send(ctx, e, fp)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, k)
	if sendErr != nil {
		if !errors.Is(sendErr, conversion.ErrChannelUnavailable) {
			sendErr = fmt.Errorf("%w: %s: %v", conversion.ErrChannelUnavailable, ch.Name(), sendErr)
		}
		return false, sendErr
	}

	rec := conversion.DispatchRecord{Fingerprint: fp, Channel: ch.Name(), DispatchedAt: c.now().UTC()}
	if err := c.records.Put(ctx, rec); err != nil {
		logger.Get().Warnw("dispatch record store unavailable, keeping record for this session only",
			"channel", ch.Name(), "fingerprint", fp, "error", err)
		_ = c.session.Put(ctx, rec)
	}
	return true, nil
}

// hasLocked consults the durable store, falling back to the session records
// when the store cannot be read. Caller must hold c.mu.
func (c *Coordinator) hasLocked(ctx context.Context, fp string, ch conversion.Channel) bool {
	if ok, _ := c.session.Has(ctx, fp, ch); ok {
		return true
	}
	ok, err := c.records.Has(ctx, fp, ch)
	if err != nil {
		logger.Get().Warnw("dispatch record store unavailable, deduplicating for this session only",
			"channel", ch, "fingerprint", fp, "error", err)
		return false
	}
	return ok
}

// Prune drops records older than the horizon. Events whose records were
// pruned are treated as new on their next dispatch.
func (c *Coordinator) Prune(ctx context.Context) (int, error) {
	before := c.now().Add(-c.horizon)
	n, _ := c.session.Prune(ctx, before)
	m, err := c.records.Prune(ctx, before)
	if err != nil {
		return n, fmt.Errorf("prune dispatch records: %w", err)
	}
	return n + m, nil
}

// Records lists durable and session records. It is read-only.
func (c *Coordinator) Records(ctx context.Context) []conversion.DispatchRecord {
	durable, err := c.records.List(ctx)
	if err != nil {
		logger.Get().Warnw("dispatch record store unavailable, listing session records only", "error", err)
		durable = nil
	}
	session, _ := c.session.List(ctx)
	out := append(durable, session...)
	SortRecords(out)
	return out
}
