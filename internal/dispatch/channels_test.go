package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conversion-pipeline/internal/conversion"
)

func TestHTTPPixelBeacon(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	p := NewHTTPPixel("PX1", WithPixelEndpoint(ts.URL+"/tr"))
	err := p.Track("track", "Purchase",
		map[string]any{"value": 12.5, "currency": "EUR", "content_ids": []string{"O1"}},
		map[string]any{"eventID": "fp1"})
	if err != nil {
		t.Fatal(err)
	}
	q := got.URL.Query()
	if q.Get("id") != "PX1" || q.Get("ev") != "Purchase" || q.Get("eid") != "fp1" {
		t.Errorf("unexpected beacon query %v", q)
	}
	if q.Get("cd[value]") != "12.5" || q.Get("cd[currency]") != "EUR" || q.Get("cd[content_ids]") != "O1" {
		t.Errorf("unexpected custom data %v", q)
	}
}

func TestHTTPPixelErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	p := NewHTTPPixel("PX1", WithPixelEndpoint(ts.URL))
	if err := p.Track("track", "Lead", nil, nil); err == nil {
		t.Error("expected error on non-2xx")
	}
	if err := p.Track("init", "PX1", nil, nil); err == nil {
		t.Error("expected error on unsupported command")
	}
}

func TestRecordingPixelForwards(t *testing.T) {
	inner := NewRecordingPixel("inner", nil)
	outer := NewRecordingPixel("PX1", inner)
	if err := outer.Track("track", "Lead", nil, map[string]any{"eventID": "x"}); err != nil {
		t.Fatal(err)
	}
	if len(inner.Calls()) != 1 || len(outer.Calls()) != 1 {
		t.Fatal("expected call to be recorded at both layers")
	}
	if outer.Calls()[0].PixelID != "PX1" {
		t.Errorf("expected pixel id on recorded call")
	}
}

func TestPixelChannelCancelsBeacon(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	rec := NewRecordingPixel("PX1", NewHTTPPixel("PX1", WithPixelEndpoint(ts.URL), WithPixelTimeout(10*time.Second)))
	ch := NewPixelChannel(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e := conversion.NewEvent(conversion.Lead, "v1", time.Now(), map[string]any{"email": "a@b.com"})

	start := time.Now()
	err := ch.Send(ctx, e, "fp1")
	if !errors.Is(err, conversion.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("beacon outlived its context: %v", elapsed)
	}
	if len(rec.Calls()) != 0 {
		t.Error("cancelled beacon should not be recorded")
	}
}

func TestPixelChannelEventName(t *testing.T) {
	rec := NewRecordingPixel("PX1", nil)
	ch := NewPixelChannel(rec)
	e := conversion.NewEvent(conversion.Purchase, "v1", time.Now(), map[string]any{"email": "a@b.com", "orderId": "O1"})
	if err := ch.Send(context.Background(), e, "fp1"); err != nil {
		t.Fatal(err)
	}
	calls := rec.Calls()
	if len(calls) != 1 || calls[0].Event != "Purchase" || calls[0].EventID() != "fp1" {
		t.Errorf("unexpected pixel calls %+v", calls)
	}
}
