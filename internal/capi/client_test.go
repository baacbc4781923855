package capi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conversion-pipeline/internal/conversion"
)

func purchase() conversion.Event {
	return conversion.NewEvent(conversion.Purchase, "v1", time.Unix(1700000000, 0), map[string]any{
		"email": " A@B.com", "orderId": "O1", "amount": 100.0, "currency": "usd",
	})
}

func TestNewEventHashesPII(t *testing.T) {
	ev := NewEvent(purchase(), "fp1")
	if ev.EventName != "Purchase" || ev.EventID != "fp1" || ev.EventTime != 1700000000 {
		t.Errorf("unexpected event header %+v", ev)
	}
	if len(ev.UserData.Em) != 1 || ev.UserData.Em[0] != HashPII("a@b.com") {
		t.Errorf("expected hashed normalized email, got %v", ev.UserData.Em)
	}
	if len(ev.UserData.Em[0]) != 64 {
		t.Errorf("expected sha256 hex, got %q", ev.UserData.Em[0])
	}
	if ev.CustomData == nil || *ev.CustomData.Value != 100 || ev.CustomData.Currency != "USD" || ev.CustomData.OrderID != "O1" {
		t.Errorf("unexpected custom data %+v", ev.CustomData)
	}

	b, _ := json.Marshal(ev)
	if strings.Contains(strings.ToLower(string(b)), "a@b.com") {
		t.Error("raw email leaked into gateway payload")
	}
}

func TestHashPIIKnownVector(t *testing.T) {
	// sha256("a@b.com")
	want := "fb98d44ad7501a959f3f4f4a3f004fe2d9e581ea6207e218c4b02c08a4d75adf"
	if got := HashPII("  A@B.COM"); got != want {
		t.Errorf("HashPII = %s, want %s", got, want)
	}
}

func TestSendPostsDataArray(t *testing.T) {
	var (
		gotPath  string
		gotToken string
		gotBody  map[string][]map[string]any
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL+"/", "PX1", "secret", WithHTTPClient(ts.Client()))
	if err := c.Send(context.Background(), NewEvent(purchase(), "fp1")); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/PX1/events" || gotToken != "secret" {
		t.Errorf("unexpected request path=%s token=%s", gotPath, gotToken)
	}
	if len(gotBody["data"]) != 1 || gotBody["data"][0]["event_id"] != "fp1" {
		t.Errorf("unexpected body %v", gotBody)
	}
}

func TestForwardUsesStoredPayload(t *testing.T) {
	var body string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer ts.Close()

	payload, _ := json.Marshal(NewEvent(purchase(), "fp9"))
	c := New(ts.URL, "PX1", "", WithTestEventCode("TEST1"))
	if err := c.Forward(context.Background(), conversion.Delivery{Fingerprint: "fp9", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, `"event_id":"fp9"`) || !strings.Contains(body, `"test_event_code":"TEST1"`) {
		t.Errorf("unexpected forwarded body %s", body)
	}
}

func TestSendErrorsAreGatewayUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	c := New(ts.URL, "PX1", "")
	err := c.Send(context.Background(), NewEvent(purchase(), "fp1"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Body != "upstream down" {
		t.Fatalf("expected APIError 502, got %v", err)
	}
	if !errors.Is(err, conversion.ErrGatewayUnreachable) {
		t.Error("APIError should match ErrGatewayUnreachable")
	}

	ts.Close()
	err = c.Send(context.Background(), NewEvent(purchase(), "fp1"))
	if !errors.Is(err, conversion.ErrGatewayUnreachable) {
		t.Errorf("expected transport error to be ErrGatewayUnreachable, got %v", err)
	}
}
