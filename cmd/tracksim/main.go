// tracksim replays a browser session against the client dispatch stack:
// identity lives in a SQLite file that stands in for localStorage, and
// each action is dispatched to the dataLayer and pixel channels exactly
// once per fingerprint, across runs.
//
//	tracksim -db session.db -pixel 123 page_view:/pricing lead:a@b.com purchase:a@b.com:O1:100:EUR
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"conversion-pipeline/internal/clientstore"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/diagnostics"
	"conversion-pipeline/internal/dispatch"
	"conversion-pipeline/internal/fingerprint"
	"conversion-pipeline/internal/identity"
	"conversion-pipeline/internal/tracker"
	"conversion-pipeline/pkg/logger"
)

type action struct {
	typ   conversion.EventType
	attrs map[string]any
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dbPath    = flag.String("db", "tracksim.db", "SQLite file holding identity and dispatch records")
		pixelID   = flag.String("pixel", "", "pixel id")
		live      = flag.Bool("live", false, "send real pixel beacons instead of recording them")
		pixelTTL  = flag.Duration("pixel-timeout", 5*time.Second, "timeout for each live pixel beacon")
		cookieTTL = flag.Duration("cookie-age", identity.DefaultCookieAge, "max age of the visitor cookie")
		bucket    = flag.Duration("bucket", 24*time.Hour, "fingerprint time bucket (0 disables)")
		triggers  = flag.String("expect", "", "comma-separated dataLayer events the session must fire")
		webhook   = flag.String("webhook", "", "also post leads and purchases to this webhook URL")
		logLevel  = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()
	logger.Init(false, *logLevel)
	log := logger.Get()
	defer logger.Sync()

	actions, err := parseActions(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return 2
	}

	store, err := clientstore.Open(*dbPath)
	if err != nil {
		log.Errorw("failed to open client store", "path", *dbPath, "error", err)
		return 1
	}
	defer store.Close()

	resolver := identity.NewResolver(
		identity.NewStorageProvider(store, identity.DefaultStorageKey),
		identity.NewCookieProvider(identity.NewMemoryCookies(), identity.DefaultCookieName,
			identity.WithCookieMaxAge(*cookieTTL)),
	)

	var next dispatch.Pixel
	if *live {
		next = dispatch.NewHTTPPixel(*pixelID, dispatch.WithPixelTimeout(*pixelTTL))
	}
	pixel := dispatch.NewRecordingPixel(*pixelID, next)
	layer := &dispatch.MemoryDataLayer{}
	coord := dispatch.New(fingerprint.New(*bucket), store, []dispatch.Channel{
		dispatch.NewGTMChannel(layer),
		dispatch.NewPixelChannel(pixel),
	})
	t := tracker.New(resolver, coord)

	ctx := context.Background()
	if n, err := coord.Prune(ctx); err != nil {
		log.Warnw("prune failed", "error", err)
	} else if n > 0 {
		log.Infow("pruned expired dispatch records", "count", n)
	}

	id := t.Identity()
	var outcomes []outcomeView
	for _, a := range actions {
		out := t.Track(ctx, a.typ, a.attrs)
		outcomes = append(outcomes, viewOutcome(a.typ, out))
		if *webhook != "" && a.typ != conversion.PageView && out.Fingerprint != "" {
			if err := postWebhook(ctx, *webhook, id.VisitorID, a); err != nil {
				log.Warnw("webhook post failed", "error", err)
			}
		}
	}

	exp := diagnostics.Expectations{PixelID: *pixelID}
	if *triggers != "" {
		exp.Triggers = strings.Split(*triggers, ",")
	}
	report := diagnostics.Inspect(diagnostics.Capture(ctx, layer, pixel, coord), exp)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"visitor":  id,
		"outcomes": outcomes,
		"report":   report,
	})
	if !report.OK() {
		return 1
	}
	return 0
}

type outcomeView struct {
	Type        conversion.EventType          `json:"type"`
	Fingerprint string                        `json:"fingerprint,omitempty"`
	Sent        []conversion.Channel          `json:"sent,omitempty"`
	Skipped     []conversion.Channel          `json:"skipped,omitempty"`
	Failed      map[conversion.Channel]string `json:"failed,omitempty"`
}

func viewOutcome(typ conversion.EventType, o dispatch.Outcome) outcomeView {
	v := outcomeView{Type: typ, Fingerprint: o.Fingerprint, Sent: o.Sent, Skipped: o.Skipped}
	for ch, err := range o.Failed {
		if v.Failed == nil {
			v.Failed = map[conversion.Channel]string{}
		}
		v.Failed[ch] = err.Error()
	}
	return v
}

// parseActions reads type:arg[:arg...] tokens.
func parseActions(args []string) ([]action, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no actions given")
	}
	var out []action
	for _, raw := range args {
		parts := strings.Split(raw, ":")
		switch conversion.EventType(parts[0]) {
		case conversion.PageView:
			attrs := map[string]any{}
			if len(parts) > 1 {
				attrs[conversion.AttrPage] = parts[1]
			}
			out = append(out, action{conversion.PageView, attrs})
		case conversion.Lead:
			if len(parts) != 2 {
				return nil, fmt.Errorf("lead wants lead:<email>, got %q", raw)
			}
			out = append(out, action{conversion.Lead, map[string]any{conversion.AttrEmail: parts[1]}})
		case conversion.Purchase:
			if len(parts) < 3 {
				return nil, fmt.Errorf("purchase wants purchase:<email>:<order>[:<amount>[:<currency>]], got %q", raw)
			}
			attrs := map[string]any{conversion.AttrEmail: parts[1], conversion.AttrOrderID: parts[2]}
			if len(parts) > 3 {
				amount, err := strconv.ParseFloat(parts[3], 64)
				if err != nil {
					return nil, fmt.Errorf("bad amount in %q: %w", raw, err)
				}
				attrs[conversion.AttrAmount] = amount
			}
			if len(parts) > 4 {
				attrs[conversion.AttrCurrency] = parts[4]
			}
			out = append(out, action{conversion.Purchase, attrs})
		default:
			return nil, fmt.Errorf("unknown action %q", raw)
		}
	}
	return out, nil
}

// postWebhook plays the payment provider for the same conversion, carrying
// the visitor id so the server derives the client's fingerprint.
func postWebhook(ctx context.Context, url, visitorID string, a action) error {
	body := map[string]any{
		"type":       string(a.typ),
		"visitorId":  visitorID,
		"occurredAt": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range a.attrs {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	logger.Get().Infow("webhook acknowledged", "status", resp.StatusCode)
	return nil
}
