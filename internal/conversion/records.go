package conversion

import (
	"encoding/json"
	"time"
)

type DispatchRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	Channel      Channel   `json:"channel"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

type LeadStatus string

const (
	LeadStatusLead     LeadStatus = "lead"
	LeadStatusCustomer LeadStatus = "customer"
)

// LeadRecord is keyed by normalized email. Only the ingestion service writes it.
type LeadRecord struct {
	Email     string     `json:"email"`
	VisitorID string     `json:"visitor_id,omitempty"`
	OrderID   string     `json:"order_id,omitempty"`
	Amount    float64    `json:"amount,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	Status    LeadStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Merge applies an incoming lead on top of an existing one. Empty incoming
// fields never erase stored values, and a customer never reverts to a lead.
func (l LeadRecord) Merge(in LeadRecord) LeadRecord {
	out := l
	if in.VisitorID != "" {
		out.VisitorID = in.VisitorID
	}
	if in.OrderID != "" {
		out.OrderID = in.OrderID
		out.Amount = in.Amount
		out.Currency = in.Currency
	}
	if in.Status == LeadStatusCustomer {
		out.Status = LeadStatusCustomer
	}
	out.UpdatedAt = in.UpdatedAt
	return out
}

// DeliveryStatus is the forwarding state of a server-side capi dispatch.
//
//	[pending] --(attempt ok)--> [delivered]
//	[pending|retrying] --(attempt failed, budget left)--> [retrying]
//	[pending|retrying] --(attempt failed, budget spent)--> [dead_lettered]
//	[dead_lettered] --(redeliver)--> [pending]
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryRetrying     DeliveryStatus = "retrying"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

// Delivery is the server-side DispatchRecord for the capi channel together
// with its retry state.
type Delivery struct {
	Fingerprint    string          `json:"fingerprint"`
	ExternalID     string          `json:"external_id,omitempty"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	DeadLetteredAt *time.Time      `json:"dead_lettered_at,omitempty"`
}

func (d Delivery) CanRetry() bool {
	return d.Attempts < d.MaxAttempts
}

// Record returns the DispatchRecord view of the delivery.
func (d Delivery) Record() DispatchRecord {
	return DispatchRecord{Fingerprint: d.Fingerprint, Channel: ChannelCAPI, DispatchedAt: d.CreatedAt}
}
