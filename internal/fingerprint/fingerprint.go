// Package fingerprint derives the idempotency key shared by the browser
// channels, the webhook path and the Conversions API event_id.
//
// The digest is lowercase hex SHA-256 over the canonical form returned by
// Canonical: a version line followed by sorted key=value lines joined by
// '\n'. Emails are trimmed and lower-cased, ids trimmed, and the time bucket
// is floor(unix seconds / bucket seconds) in base 10. Any runtime that
// reproduces these bytes agrees with this package bit for bit.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"conversion-pipeline/internal/conversion"
)

const Version = "v1"

// Length of a fingerprint in hex characters.
const Length = sha256.Size * 2

type Generator struct {
	bucket time.Duration
}

// New returns a Generator. A bucket of zero leaves time out of the
// fingerprint entirely; otherwise events are only collapsed when they fall
// into the same bucket. Positive buckets shorter than a second are rounded
// up to one second.
func New(bucket time.Duration) *Generator {
	if bucket < 0 {
		bucket = 0
	}
	return &Generator{bucket: bucket}
}

func (g *Generator) Fingerprint(e conversion.Event) (string, error) {
	canon, err := Canonical(e, g.bucket)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the exact string that is hashed for e.
func Canonical(e conversion.Event, bucket time.Duration) (string, error) {
	fields, err := identifying(e)
	if err != nil {
		return "", err
	}
	fields["type"] = string(e.Type())
	fields["visitor"] = e.VisitorID()
	if bucket > 0 {
		secs := max(int64(bucket/time.Second), 1)
		fields["bucket"] = strconv.FormatInt(floorDiv(e.OccurredAt().Unix(), secs), 10)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(Version)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(fields[k]))
	}
	return b.String(), nil
}

func identifying(e conversion.Event) (map[string]string, error) {
	fields := map[string]string{}
	switch e.Type() {
	case conversion.Purchase:
		email, order := e.Email(), e.OrderID()
		if email == "" || order == "" {
			return nil, fmt.Errorf("%w: purchase requires email and orderId", conversion.ErrMalformedEvent)
		}
		fields["email"] = email
		fields["order"] = order
	case conversion.Lead:
		email := e.Email()
		if email == "" {
			return nil, fmt.Errorf("%w: lead requires email", conversion.ErrMalformedEvent)
		}
		fields["email"] = email
	case conversion.PageView:
		if e.VisitorID() == "" {
			return nil, fmt.Errorf("%w: page_view requires visitorId", conversion.ErrMalformedEvent)
		}
		if page := e.String(conversion.AttrPage); page != "" {
			fields["page"] = page
		}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", conversion.ErrMalformedEvent, e.Type())
	}
	return fields, nil
}

// escape keeps one field per line so no value can forge another field.
func escape(s string) string {
	if !strings.ContainsAny(s, "\\\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\n", "\\n")
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
