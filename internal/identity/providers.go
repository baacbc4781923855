package identity

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultStorageKey = "cp_vid"
	DefaultCookieName = "_cp_vid"
	DefaultCookieAge  = 400 * 24 * time.Hour
)

// KeyValue is the localStorage-shaped capability: GetItem reports ok=false
// for a missing key and returns ErrUnavailable when storage is disabled.
type KeyValue interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
}

type StorageProvider struct {
	kv  KeyValue
	key string
}

func NewStorageProvider(kv KeyValue, key string) *StorageProvider {
	if key == "" {
		key = DefaultStorageKey
	}
	return &StorageProvider{kv: kv, key: key}
}

func (p *StorageProvider) Name() string { return "storage" }

func (p *StorageProvider) Load() (string, error) {
	v, ok, err := p.kv.GetItem(p.key)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (p *StorageProvider) Store(value string) error {
	return p.kv.SetItem(p.key, value)
}

// MemoryKeyValue is an in-process KeyValue. Setting Disabled makes every
// call fail with ErrUnavailable, like a browser with storage turned off.
type MemoryKeyValue struct {
	mu       sync.Mutex
	items    map[string]string
	Disabled bool
}

func NewMemoryKeyValue() *MemoryKeyValue {
	return &MemoryKeyValue{items: map[string]string{}}
}

func (m *MemoryKeyValue) GetItem(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Disabled {
		return "", false, ErrUnavailable
	}
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryKeyValue) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Disabled {
		return ErrUnavailable
	}
	if m.items == nil {
		m.items = map[string]string{}
	}
	m.items[key] = value
	return nil
}

func (m *MemoryKeyValue) RemoveItem(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// CookieJar reads and writes a single cookie by name.
type CookieJar interface {
	Cookie(name string) (string, error)
	SetCookie(c *http.Cookie) error
}

type CookieProvider struct {
	jar    CookieJar
	name   string
	maxAge time.Duration
	domain string
}

type CookieOption func(*CookieProvider)

func WithCookieDomain(domain string) CookieOption {
	return func(p *CookieProvider) { p.domain = domain }
}

func WithCookieMaxAge(d time.Duration) CookieOption {
	return func(p *CookieProvider) { p.maxAge = d }
}

func NewCookieProvider(jar CookieJar, name string, opts ...CookieOption) *CookieProvider {
	if name == "" {
		name = DefaultCookieName
	}
	p := &CookieProvider{jar: jar, name: name, maxAge: DefaultCookieAge}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CookieProvider) Name() string { return "cookie" }

func (p *CookieProvider) Load() (string, error) {
	v, err := p.jar.Cookie(p.name)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (p *CookieProvider) Store(value string) error {
	return p.jar.SetCookie(&http.Cookie{
		Name:     p.name,
		Value:    value,
		Path:     "/",
		Domain:   p.domain,
		MaxAge:   int(p.maxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
	})
}

// HTTPCookies adapts a request/response pair so server-rendered pages can
// keep the visitor cookie.
type HTTPCookies struct {
	r *http.Request
	w http.ResponseWriter
}

func NewHTTPCookies(w http.ResponseWriter, r *http.Request) *HTTPCookies {
	return &HTTPCookies{r: r, w: w}
}

func (h *HTTPCookies) Cookie(name string) (string, error) {
	c, err := h.r.Cookie(name)
	if errors.Is(err, http.ErrNoCookie) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

func (h *HTTPCookies) SetCookie(c *http.Cookie) error {
	http.SetCookie(h.w, c)
	return nil
}

// MemoryCookies is an in-process CookieJar. Blocked simulates a browser
// that refuses cookies.
type MemoryCookies struct {
	mu      sync.Mutex
	values  map[string]string
	Blocked bool
}

func NewMemoryCookies() *MemoryCookies {
	return &MemoryCookies{values: map[string]string{}}
}

func (m *MemoryCookies) Cookie(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Blocked {
		return "", ErrUnavailable
	}
	v, ok := m.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryCookies) SetCookie(c *http.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Blocked {
		return ErrUnavailable
	}
	if m.values == nil {
		m.values = map[string]string{}
	}
	if c.MaxAge < 0 {
		delete(m.values, c.Name)
		return nil
	}
	m.values[c.Name] = c.Value
	return nil
}

func (m *MemoryCookies) Delete(name string) {
	m.mu.Lock()
	delete(m.values, name)
	m.mu.Unlock()
}
