package clientstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/dispatch"
	"conversion-pipeline/internal/fingerprint"
	"conversion-pipeline/internal/identity"
)

func openTemp(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return s, path
}

func TestKeyValue(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	if _, ok, err := s.GetItem("missing"); ok || err != nil {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.SetItem("k", "one"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetItem("k", "two"); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := s.GetItem("k"); !ok || v != "two" {
		t.Errorf("expected overwrite, got %q", v)
	}
	_ = s.RemoveItem("k")
	if _, ok, _ := s.GetItem("k"); ok {
		t.Error("expected key removed")
	}
}

func TestIdentityPersistsAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	first := identity.NewResolver(identity.NewStorageProvider(s, "")).Resolve()
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	second := identity.NewResolver(identity.NewStorageProvider(s2, "")).Resolve()
	if first.VisitorID != second.VisitorID {
		t.Errorf("expected visitor id to survive reopen, got %s vs %s", first.VisitorID, second.VisitorID)
	}
}

func TestDispatchRecords(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := conversion.DispatchRecord{Fingerprint: "fp1", Channel: conversion.ChannelGTM, DispatchedAt: base}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	later := rec
	later.DispatchedAt = base.Add(time.Hour)
	if err := s.Put(ctx, later); err != nil {
		t.Fatal(err)
	}
	_ = s.Put(ctx, conversion.DispatchRecord{Fingerprint: "fp1", Channel: conversion.ChannelPixel, DispatchedAt: base.Add(2 * time.Hour)})

	if ok, _ := s.Has(ctx, "fp1", conversion.ChannelGTM); !ok {
		t.Error("expected gtm record")
	}
	if ok, _ := s.Has(ctx, "fp2", conversion.ChannelGTM); ok {
		t.Error("unexpected record for fp2")
	}
	recs, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[0].DispatchedAt.Equal(base) {
		t.Fatalf("expected first record kept and 2 total, got %+v", recs)
	}

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got %d (%v)", n, err)
	}
}

func TestCoordinatorOverSQLite(t *testing.T) {
	s, path := openTemp(t)
	layer := &dispatch.MemoryDataLayer{}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e := conversion.NewEvent(conversion.Lead, "v1", at, map[string]any{"email": "a@b.com"})

	c := dispatch.New(fingerprint.New(24*time.Hour), s, []dispatch.Channel{dispatch.NewGTMChannel(layer)})
	if _, err := c.Dispatch(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// A new coordinator over the reopened file acts like a reloaded page.
	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	c2 := dispatch.New(fingerprint.New(24*time.Hour), s2, []dispatch.Channel{dispatch.NewGTMChannel(layer)})
	out, err := c2.Dispatch(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Skipped) != 1 || len(layer.Entries()) != 1 {
		t.Errorf("expected dispatch to be suppressed after reload, got %+v with %d pushes", out, len(layer.Entries()))
	}
}
