// Package ingest reconciles payment-provider webhooks against the lead store
// and hands first-seen conversions to the gateway forwarder.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conversion-pipeline/internal/capi"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/fingerprint"
	"conversion-pipeline/internal/pipeline"
	"conversion-pipeline/internal/storage"
	"conversion-pipeline/pkg/logger"
)

const DefaultMaxAttempts = 5

// Payload is the webhook body. Only email is always required; the type
// defaults to purchase when an order id is present and to lead otherwise.
type Payload struct {
	Type       string     `json:"type,omitempty"`
	Email      string     `json:"email"`
	OrderID    string     `json:"orderId,omitempty"`
	Amount     *float64   `json:"amount,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	VisitorID  string     `json:"visitorId,omitempty"`
	OccurredAt *time.Time `json:"occurredAt,omitempty"`
}

type Result struct {
	Fingerprint string                `json:"fingerprint"`
	Duplicate   bool                  `json:"duplicate"`
	Lead        conversion.LeadRecord `json:"lead"`
}

type Validator interface {
	Validate(raw []byte) error
}

// Store is the part of storage.Store ingestion writes through.
type Store interface {
	Claim(ctx context.Context, c storage.Claim) (storage.ClaimResult, error)
	Lead(ctx context.Context, email string) (conversion.LeadRecord, error)
}

// Enqueuer takes ownership of a claimed delivery. pipeline.Forwarder
// satisfies it.
type Enqueuer interface {
	Enqueue(fp string) bool
}

type Service struct {
	validator   Validator
	gen         *fingerprint.Generator
	store       Store
	queue       Enqueuer
	metrics     *pipeline.Metrics
	maxAttempts int
	now         func() time.Time
}

type Option func(*Service)

// WithForwarder enqueues every newly claimed delivery. Without it deliveries
// stay pending until a forwarder sweeps them.
func WithForwarder(q Enqueuer) Option {
	return func(s *Service) { s.queue = q }
}

func WithMetrics(m *pipeline.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(v Validator, gen *fingerprint.Generator, store Store, opts ...Option) *Service {
	s := &Service{
		validator:   v,
		gen:         gen,
		store:       store,
		metrics:     pipeline.NewMetrics(),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates and reconciles one webhook delivery. A repeat of an
// already claimed conversion returns Duplicate with no side effects.
// Validation failures wrap conversion.ErrInvalidPayload or
// conversion.ErrMalformedEvent; any other error means nothing was durably
// recorded and the provider should retry.
func (s *Service) Ingest(ctx context.Context, raw []byte) (Result, error) {
	s.metrics.IncReceived()

	e, err := s.decode(raw)
	if err != nil {
		s.metrics.IncRejected()
		return Result{}, err
	}
	fp, err := s.gen.Fingerprint(e)
	if err != nil {
		s.metrics.IncRejected()
		return Result{}, err
	}
	log := logger.Get().With("fingerprint", fp, "type", e.Type())

	claim, err := s.claimFor(e, fp)
	if err != nil {
		return Result{}, err
	}
	res, err := s.store.Claim(ctx, claim)
	if err != nil {
		log.Errorw("claim failed", "error", err)
		return Result{}, fmt.Errorf("claim %s: %w", fp, err)
	}

	if !res.Inserted {
		s.metrics.IncDuplicate()
		log.Infow("duplicate webhook ignored", "order_id", e.OrderID())
		lead, err := s.store.Lead(ctx, e.Email())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warnw("lead lookup for duplicate failed", "error", err)
		}
		return Result{Fingerprint: fp, Duplicate: true, Lead: lead}, nil
	}

	log.Infow("conversion claimed", "status", res.Lead.Status, "order_id", e.OrderID())
	if s.queue != nil {
		s.queue.Enqueue(fp)
	}
	return Result{Fingerprint: fp, Lead: res.Lead}, nil
}

func (s *Service) decode(raw []byte) (conversion.Event, error) {
	if err := s.validator.Validate(raw); err != nil {
		return conversion.Event{}, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return conversion.Event{}, fmt.Errorf("%w: %v", conversion.ErrInvalidPayload, err)
	}

	typ := conversion.EventType(p.Type)
	if typ == "" {
		typ = conversion.Lead
		if p.OrderID != "" {
			typ = conversion.Purchase
		}
	}
	if typ != conversion.Lead && typ != conversion.Purchase {
		return conversion.Event{}, fmt.Errorf("%w: unsupported type %q", conversion.ErrInvalidPayload, p.Type)
	}

	occurred := s.now()
	if p.OccurredAt != nil {
		occurred = *p.OccurredAt
	}
	attrs := map[string]any{conversion.AttrEmail: p.Email}
	if p.OrderID != "" {
		attrs[conversion.AttrOrderID] = p.OrderID
	}
	if p.Amount != nil {
		attrs[conversion.AttrAmount] = *p.Amount
	}
	if p.Currency != "" {
		attrs[conversion.AttrCurrency] = p.Currency
	}
	return conversion.NewEvent(typ, p.VisitorID, occurred, attrs), nil
}

func (s *Service) claimFor(e conversion.Event, fp string) (storage.Claim, error) {
	payload, err := json.Marshal(capi.NewEvent(e, fp))
	if err != nil {
		return storage.Claim{}, fmt.Errorf("encode capi event: %w", err)
	}
	now := s.now()

	d := conversion.Delivery{
		Fingerprint: fp,
		Status:      conversion.DeliveryPending,
		MaxAttempts: s.maxAttempts,
		Payload:     payload,
		CreatedAt:   now,
	}
	lead := conversion.LeadRecord{
		Email:     e.Email(),
		VisitorID: e.VisitorID(),
		Status:    conversion.LeadStatusLead,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.Type() == conversion.Purchase {
		// a provider retry can land in a later time bucket; the order id
		// still identifies it
		d.ExternalID = e.OrderID()
		lead.OrderID = e.OrderID()
		lead.Amount, _ = e.Amount()
		lead.Currency = e.Currency()
		lead.Status = conversion.LeadStatusCustomer
	}
	return storage.Claim{Delivery: d, Lead: lead}, nil
}
