package capi

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"conversion-pipeline/internal/conversion"
)

// Event is one entry of the Conversions API "data" array. Identity fields
// in UserData are SHA-256 hashes, never raw values.
type Event struct {
	EventName    string      `json:"event_name"`
	EventTime    int64       `json:"event_time"`
	EventID      string      `json:"event_id"`
	ActionSource string      `json:"action_source"`
	UserData     UserData    `json:"user_data"`
	CustomData   *CustomData `json:"custom_data,omitempty"`
}

type UserData struct {
	Em         []string `json:"em,omitempty"`
	ExternalID []string `json:"external_id,omitempty"`
}

type CustomData struct {
	Value    *float64 `json:"value,omitempty"`
	Currency string   `json:"currency,omitempty"`
	OrderID  string   `json:"order_id,omitempty"`
}

// NewEvent normalizes e for the gateway. event_id is the fingerprint, which
// is also the pixel eventID, so the platform counts the conversion once.
func NewEvent(e conversion.Event, fp string) Event {
	out := Event{
		EventName:    e.Type().PixelName(),
		EventTime:    e.OccurredAt().Unix(),
		EventID:      fp,
		ActionSource: "website",
	}
	if email := e.Email(); email != "" {
		out.UserData.Em = []string{HashPII(email)}
	}
	if vid := e.VisitorID(); vid != "" {
		out.UserData.ExternalID = []string{HashPII(vid)}
	}
	if e.Type() == conversion.Purchase {
		cd := &CustomData{OrderID: e.OrderID(), Currency: e.Currency()}
		if v, ok := e.Amount(); ok {
			cd.Value = &v
		}
		out.CustomData = cd
	}
	return out
}

// HashPII returns the lowercase hex SHA-256 of the trimmed, lower-cased value.
func HashPII(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}
