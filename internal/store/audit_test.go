package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestCycleAuditFlow(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	id, err := s.AddCycleAudit(ctx, CycleAudit{
		Trigger:    "ticker",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Items:      12,
		Extracted:  40,
		Stored:     38,
		Matches:    2,
		Errors:     []string{"source sans-isc: timeout"},
		Sources:    map[string]int{"krebs-security": 12},
	})
	if err != nil {
		t.Fatalf("AddCycleAudit error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty audit id")
	}

	if _, err := s.AddCycleAudit(ctx, CycleAudit{Trigger: "manual", StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour)}); err != nil {
		t.Fatalf("AddCycleAudit error: %v", err)
	}

	entries, err := s.GetCycleAudits(ctx, 10)
	if err != nil {
		t.Fatalf("GetCycleAudits error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Trigger != "manual" {
		t.Fatalf("expected newest entry first, got %q", entries[0].Trigger)
	}

	got := entries[1]
	if got.ID != id || got.Items != 12 || got.Matches != 2 {
		t.Fatalf("unexpected audit entry: %+v", got)
	}
	if !got.StartedAt.Equal(start) {
		t.Fatalf("expected start %v, got %v", start, got.StartedAt)
	}
	if len(got.Errors) != 1 || got.Sources["krebs-security"] != 12 {
		t.Fatalf("unexpected audit details: %+v", got)
	}

	limited, err := s.GetCycleAudits(ctx, 1)
	if err != nil {
		t.Fatalf("GetCycleAudits error: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(limited))
	}
}
