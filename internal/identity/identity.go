// Package identity keeps a stable per-visitor id across page loads.
//
// Providers are queried in rank order and the first one holding a valid
// identity wins. The winning value is then written through to every other
// available provider so either backend can recover the other.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"conversion-pipeline/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("identity: not found")
	ErrUnavailable = errors.New("identity: provider unavailable")
)

// Provider is one durable place an identity can live (local storage, a
// cookie, a SQLite file).
type Provider interface {
	Name() string
	Load() (string, error)
	Store(value string) error
}

type Identity struct {
	VisitorID string    `json:"visitor_id"`
	CreatedAt time.Time `json:"created_at"`
	// Reliable is false for session-scoped ids that could not be persisted.
	Reliable bool `json:"reliable"`
}

// Encode renders the identity as "<visitorId>.<createdAt unix millis>".
func (i Identity) Encode() string {
	return i.VisitorID + "." + strconv.FormatInt(i.CreatedAt.UnixMilli(), 10)
}

func Decode(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return Identity{}, fmt.Errorf("identity: malformed value %q", s)
	}
	ms, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: malformed timestamp in %q: %w", s, err)
	}
	return Identity{VisitorID: s[:idx], CreatedAt: time.UnixMilli(ms).UTC(), Reliable: true}, nil
}

type Resolver struct {
	mu        sync.Mutex
	providers []Provider
	cached    *Identity
	now       func() time.Time
	newID     func() string
}

func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Resolve returns the visitor identity, creating and persisting one on the
// first call if no provider holds it. When nothing can be persisted the
// identity is session-scoped and Reliable is false.
func (r *Resolver) Resolve() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return *r.cached
	}

	log := logger.Get().With("component", "identity")

	var (
		found     *Identity
		available = make([]bool, len(r.providers))
		holds     = make([]string, len(r.providers))
	)
	for i, p := range r.providers {
		v, err := p.Load()
		switch {
		case err == nil:
			available[i] = true
			holds[i] = v
			id, derr := Decode(v)
			if derr != nil {
				log.Warnw("discarding unreadable identity", "provider", p.Name(), "error", derr)
				continue
			}
			if found == nil {
				found = &id
			}
		case errors.Is(err, ErrNotFound):
			available[i] = true
		default:
			log.Debugw("identity provider unavailable", "provider", p.Name(), "error", err)
		}
	}

	created := false
	if found == nil {
		found = &Identity{VisitorID: r.newID(), CreatedAt: r.now().UTC().Truncate(time.Millisecond), Reliable: true}
		created = true
	}

	encoded := found.Encode()
	persisted := !created
	for i, p := range r.providers {
		if !available[i] || holds[i] == encoded {
			if holds[i] == encoded {
				persisted = true
			}
			continue
		}
		if err := p.Store(encoded); err != nil {
			log.Debugw("identity write-through failed", "provider", p.Name(), "error", err)
			continue
		}
		persisted = true
	}

	if !persisted {
		found = &Identity{VisitorID: "eph-" + found.VisitorID, CreatedAt: found.CreatedAt, Reliable: false}
		log.Warnw("no identity provider available, using session-scoped visitor id",
			"visitor_id", found.VisitorID)
	} else if created {
		log.Infow("visitor identity created", "visitor_id", found.VisitorID)
	}

	r.cached = found
	return *found
}

// Clear forgets the cached identity, as when the browser clears site data.
// The next Resolve reads the providers again.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}
