package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"conversion-pipeline/internal/conversion"
)

// Channel is one tracking destination. Send returns nil only when the
// destination confirmed the event.
type Channel interface {
	Name() conversion.Channel
	Send(ctx context.Context, e conversion.Event, fp string) error
}

// DataLayer is the GTM capability: window.dataLayer.push(entry).
type DataLayer interface {
	Push(entry map[string]any) error
}

// Pixel is the fbq capability: fbq(command, event, params, options).
type Pixel interface {
	Track(command, event string, params, options map[string]any) error
}

// ContextPixel is a Pixel whose calls can be cancelled.
type ContextPixel interface {
	Pixel
	TrackContext(ctx context.Context, command, event string, params, options map[string]any) error
}

func trackPixel(ctx context.Context, p Pixel, command, event string, params, options map[string]any) error {
	if cp, ok := p.(ContextPixel); ok {
		return cp.TrackContext(ctx, command, event, params, options)
	}
	return p.Track(command, event, params, options)
}

func GTMEventName(t conversion.EventType) string {
	switch t {
	case conversion.Lead:
		return "generate_lead"
	case conversion.Purchase:
		return "purchase"
	default:
		return "page_view"
	}
}

type GTMChannel struct {
	layer DataLayer
}

func NewGTMChannel(layer DataLayer) *GTMChannel {
	return &GTMChannel{layer: layer}
}

func (c *GTMChannel) Name() conversion.Channel { return conversion.ChannelGTM }

// Send pushes {event, event_id, visitor_id, ...}. Raw email never enters the
// dataLayer.
func (c *GTMChannel) Send(_ context.Context, e conversion.Event, fp string) error {
	entry := map[string]any{
		"event":      GTMEventName(e.Type()),
		"event_id":   fp,
		"visitor_id": e.VisitorID(),
	}
	switch e.Type() {
	case conversion.Purchase:
		ecommerce := map[string]any{"transaction_id": e.OrderID()}
		if v, ok := e.Amount(); ok {
			ecommerce["value"] = v
		}
		if cur := e.Currency(); cur != "" {
			ecommerce["currency"] = cur
		}
		entry["ecommerce"] = ecommerce
	case conversion.PageView:
		if page := e.String(conversion.AttrPage); page != "" {
			entry["page_path"] = page
		}
	}
	if err := c.layer.Push(entry); err != nil {
		return fmt.Errorf("%w: gtm: %v", conversion.ErrChannelUnavailable, err)
	}
	return nil
}

type PixelChannel struct {
	pixel Pixel
}

func NewPixelChannel(p Pixel) *PixelChannel {
	return &PixelChannel{pixel: p}
}

func (c *PixelChannel) Name() conversion.Channel { return conversion.ChannelPixel }

// Send calls fbq('track', name, params, {eventID: fp}). The eventID lets the
// ad platform pair the browser hit with the Conversions API event.
func (c *PixelChannel) Send(ctx context.Context, e conversion.Event, fp string) error {
	params := map[string]any{}
	if e.Type() == conversion.Purchase {
		if v, ok := e.Amount(); ok {
			params["value"] = v
		}
		if cur := e.Currency(); cur != "" {
			params["currency"] = cur
		}
		params["content_ids"] = []string{e.OrderID()}
	}
	options := map[string]any{"eventID": fp}
	if err := trackPixel(ctx, c.pixel, "track", e.Type().PixelName(), params, options); err != nil {
		return fmt.Errorf("%w: pixel: %v", conversion.ErrChannelUnavailable, err)
	}
	return nil
}

// MemoryDataLayer collects pushed entries in order, as window.dataLayer does.
type MemoryDataLayer struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (d *MemoryDataLayer) Push(entry map[string]any) error {
	cp := make(map[string]any, len(entry))
	for k, v := range entry {
		cp[k] = v
	}
	d.mu.Lock()
	d.entries = append(d.entries, cp)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDataLayer) Entries() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]any, len(d.entries))
	copy(out, d.entries)
	return out
}

type PixelCall struct {
	PixelID string
	Command string
	Event   string
	Params  map[string]any
	Options map[string]any
	At      time.Time
}

// EventID returns the eventID option of the call, if any.
func (c PixelCall) EventID() string {
	s, _ := c.Options["eventID"].(string)
	return s
}

// RecordingPixel records every call before handing it to next. A nil next
// makes it a pure sink, which is what tests and dry runs use.
type RecordingPixel struct {
	pixelID string
	next    Pixel
	mu      sync.Mutex
	calls   []PixelCall
}

func NewRecordingPixel(pixelID string, next Pixel) *RecordingPixel {
	return &RecordingPixel{pixelID: pixelID, next: next}
}

func (p *RecordingPixel) Track(command, event string, params, options map[string]any) error {
	return p.TrackContext(context.Background(), command, event, params, options)
}

func (p *RecordingPixel) TrackContext(ctx context.Context, command, event string, params, options map[string]any) error {
	if p.next != nil {
		if err := trackPixel(ctx, p.next, command, event, params, options); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.calls = append(p.calls, PixelCall{
		PixelID: p.pixelID,
		Command: command,
		Event:   event,
		Params:  params,
		Options: options,
		At:      time.Now().UTC(),
	})
	p.mu.Unlock()
	return nil
}

func (p *RecordingPixel) Calls() []PixelCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PixelCall, len(p.calls))
	copy(out, p.calls)
	return out
}

const DefaultPixelEndpoint = "https://www.facebook.com/tr"

// HTTPPixel fires the image-beacon request the pixel script would make.
type HTTPPixel struct {
	pixelID  string
	endpoint string
	client   *http.Client
}

type HTTPPixelOption func(*HTTPPixel)

func WithPixelEndpoint(u string) HTTPPixelOption {
	return func(p *HTTPPixel) { p.endpoint = u }
}

func WithPixelTimeout(d time.Duration) HTTPPixelOption {
	return func(p *HTTPPixel) { p.client.Timeout = d }
}

func NewHTTPPixel(pixelID string, opts ...HTTPPixelOption) *HTTPPixel {
	p := &HTTPPixel{
		pixelID:  pixelID,
		endpoint: DefaultPixelEndpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPixel) Track(command, event string, params, options map[string]any) error {
	return p.TrackContext(context.Background(), command, event, params, options)
}

func (p *HTTPPixel) TrackContext(ctx context.Context, command, event string, params, options map[string]any) error {
	if command != "track" && command != "trackCustom" {
		return fmt.Errorf("pixel: unsupported command %q", command)
	}
	q := url.Values{}
	q.Set("id", p.pixelID)
	q.Set("ev", event)
	q.Set("noscript", "1")
	if id, ok := options["eventID"].(string); ok && id != "" {
		q.Set("eid", id)
	}
	for k, v := range params {
		q.Set("cd["+k+"]", beaconValue(v))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("pixel: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pixel: HTTP %d", resp.StatusCode)
	}
	return nil
}

func beaconValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		if len(x) == 1 {
			return x[0]
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
