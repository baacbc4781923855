// Package diagnostics inspects dispatch state and reports configuration
// problems. It only ever reads: every input is a copy or a read-only view.
package diagnostics

import (
	"context"
	"fmt"
	"sort"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/dispatch"
)

type FindingKind string

const (
	MissingTrigger  FindingKind = "missing_trigger"
	PixelIDMismatch FindingKind = "pixel_id_mismatch"
	DuplicateFire   FindingKind = "duplicate_fire"
	UnrecordedFire  FindingKind = "unrecorded_fire"
)

type Finding struct {
	Kind        FindingKind        `json:"kind"`
	Channel     conversion.Channel `json:"channel,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Detail      string             `json:"detail"`
}

// Snapshot is the observed client state at one point in time.
type Snapshot struct {
	DataLayer  []map[string]any
	PixelCalls []dispatch.PixelCall
	Records    []conversion.DispatchRecord
}

// Expectations describe how the page is supposed to be configured.
type Expectations struct {
	// Triggers are dataLayer event names that must have fired, e.g. "purchase"
	// on a thank-you page.
	Triggers []string
	PixelID  string
}

type Report struct {
	DataLayerEntries int       `json:"data_layer_entries"`
	PixelCalls       int       `json:"pixel_calls"`
	Records          int       `json:"records"`
	Findings         []Finding `json:"findings"`
}

func (r Report) OK() bool { return len(r.Findings) == 0 }

// Has reports whether a finding of kind k was raised.
func (r Report) Has(k FindingKind) bool {
	for _, f := range r.Findings {
		if f.Kind == k {
			return true
		}
	}
	return false
}

type (
	dataLayerSource interface{ Entries() []map[string]any }
	pixelSource     interface{ Calls() []dispatch.PixelCall }
	recordSource    interface {
		Records(ctx context.Context) []conversion.DispatchRecord
	}
)

// Capture copies the current state out of the live collaborators. Any of
// them may be nil.
func Capture(ctx context.Context, layer dataLayerSource, pixel pixelSource, records recordSource) Snapshot {
	var s Snapshot
	if layer != nil {
		s.DataLayer = layer.Entries()
	}
	if pixel != nil {
		s.PixelCalls = pixel.Calls()
	}
	if records != nil {
		s.Records = records.Records(ctx)
	}
	return s
}

func Inspect(s Snapshot, exp Expectations) Report {
	r := Report{
		DataLayerEntries: len(s.DataLayer),
		PixelCalls:       len(s.PixelCalls),
		Records:          len(s.Records),
	}

	recorded := make(map[conversion.Channel]map[string]bool)
	for _, rec := range s.Records {
		if recorded[rec.Channel] == nil {
			recorded[rec.Channel] = map[string]bool{}
		}
		recorded[rec.Channel][rec.Fingerprint] = true
	}

	fired := map[string]bool{}
	var gtmIDs []string
	for _, entry := range s.DataLayer {
		if name, ok := entry["event"].(string); ok {
			fired[name] = true
		}
		if id, ok := entry["event_id"].(string); ok && id != "" {
			gtmIDs = append(gtmIDs, id)
		}
	}
	for _, trig := range exp.Triggers {
		if !fired[trig] {
			r.Findings = append(r.Findings, Finding{
				Kind:    MissingTrigger,
				Channel: conversion.ChannelGTM,
				Detail:  fmt.Sprintf("expected dataLayer event %q was never pushed", trig),
			})
		}
	}

	var pixelIDs []string
	mismatched := map[string]bool{}
	for _, call := range s.PixelCalls {
		if exp.PixelID != "" && call.PixelID != exp.PixelID && !mismatched[call.PixelID] {
			mismatched[call.PixelID] = true
			r.Findings = append(r.Findings, Finding{
				Kind:    PixelIDMismatch,
				Channel: conversion.ChannelPixel,
				Detail:  fmt.Sprintf("pixel %q fired, expected %q", call.PixelID, exp.PixelID),
			})
		}
		if id := call.EventID(); id != "" {
			pixelIDs = append(pixelIDs, id)
		}
	}

	r.Findings = append(r.Findings, fires(conversion.ChannelGTM, gtmIDs, recorded[conversion.ChannelGTM])...)
	r.Findings = append(r.Findings, fires(conversion.ChannelPixel, pixelIDs, recorded[conversion.ChannelPixel])...)
	return r
}

// fires reports fingerprints that fired more than once on a channel and
// fires that left no DispatchRecord behind.
func fires(ch conversion.Channel, ids []string, recorded map[string]bool) []Finding {
	counts := map[string]int{}
	for _, id := range ids {
		counts[id]++
	}
	keys := make([]string, 0, len(counts))
	for id := range counts {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	var out []Finding
	for _, id := range keys {
		if n := counts[id]; n > 1 {
			out = append(out, Finding{
				Kind:        DuplicateFire,
				Channel:     ch,
				Fingerprint: id,
				Detail:      fmt.Sprintf("fired %d times", n),
			})
		}
		if !recorded[id] {
			out = append(out, Finding{
				Kind:        UnrecordedFire,
				Channel:     ch,
				Fingerprint: id,
				Detail:      "fired without a dispatch record",
			})
		}
	}
	return out
}
