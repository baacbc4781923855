package conversion

import (
	"strings"
	"time"
)

type EventType string

const (
	PageView EventType = "page_view"
	Lead     EventType = "lead"
	Purchase EventType = "purchase"
)

func (t EventType) Valid() bool {
	switch t {
	case PageView, Lead, Purchase:
		return true
	}
	return false
}

// PixelName is the standard ad-platform event name shared by the pixel and
// the Conversions API.
func (t EventType) PixelName() string {
	switch t {
	case Lead:
		return "Lead"
	case Purchase:
		return "Purchase"
	default:
		return "PageView"
	}
}

type Channel string

const (
	ChannelGTM   Channel = "gtm"
	ChannelPixel Channel = "pixel"
	ChannelCAPI  Channel = "capi"
)

// Attribute keys that carry identifying or reporting data.
const (
	AttrEmail    = "email"
	AttrOrderID  = "orderId"
	AttrAmount   = "amount"
	AttrCurrency = "currency"
	AttrPage     = "page"
)

// Event is a single real-world user action. Fields are unexported so an
// Event cannot change after NewEvent returns it.
type Event struct {
	typ        EventType
	visitorID  string
	occurredAt time.Time
	attrs      map[string]any
	unreliable bool
}

// EventOption tweaks an Event during construction.
type EventOption func(*Event)

// WithUnreliableIdentity marks the visitor id as session-scoped only.
func WithUnreliableIdentity() EventOption {
	return func(e *Event) { e.unreliable = true }
}

// NewEvent copies attrs, so later changes by the caller are not observed.
// A zero occurredAt is replaced with the current UTC time.
func NewEvent(typ EventType, visitorID string, occurredAt time.Time, attrs map[string]any, opts ...EventOption) Event {
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	e := Event{
		typ:        typ,
		visitorID:  strings.TrimSpace(visitorID),
		occurredAt: occurredAt.UTC(),
		attrs:      cp,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e Event) Type() EventType       { return e.typ }
func (e Event) VisitorID() string     { return e.visitorID }
func (e Event) OccurredAt() time.Time { return e.occurredAt }

// UnreliableIdentity reports whether cross-reload deduplication is best-effort
// for this visitor.
func (e Event) UnreliableIdentity() bool { return e.unreliable }

// Attributes returns a copy of the event attributes.
func (e Event) Attributes() map[string]any {
	cp := make(map[string]any, len(e.attrs))
	for k, v := range e.attrs {
		cp[k] = v
	}
	return cp
}

// Attr returns the raw attribute value.
func (e Event) Attr(key string) (any, bool) {
	v, ok := e.attrs[key]
	return v, ok
}

// String returns the attribute as a trimmed string. Non-string values are
// reported as absent.
func (e Event) String(key string) string {
	s, _ := e.attrs[key].(string)
	return strings.TrimSpace(s)
}

// Email returns the normalized (trimmed, lower-cased) email attribute.
func (e Event) Email() string {
	return NormalizeEmail(e.String(AttrEmail))
}

func (e Event) OrderID() string {
	return e.String(AttrOrderID)
}

// Amount returns the numeric amount attribute. JSON numbers decode as
// float64; integer kinds are accepted for callers building events in code.
func (e Event) Amount() (float64, bool) {
	switch v := e.attrs[AttrAmount].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (e Event) Currency() string {
	return strings.ToUpper(e.String(AttrCurrency))
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
