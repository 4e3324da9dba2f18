package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestJSONStore(t *testing.T, maxEntries int) *JSONStore {
	t.Helper()
	store, err := NewJSONStore(t.TempDir(), maxEntries)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func testEntry(clientID, content string) Entry {
	e := NewEntry()
	e.ClientID = clientID
	e.Content = content
	e.Category = "business_context"
	e.Type = "decision"
	e.Reason = "test"
	return e
}

// TestJSONStoreSaveAndGet tests the basic save/get round trip.
func TestJSONStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	saved, err := store.Save(ctx, testEntry("acme", "budget=50K"))
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	entries, err := store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ID != saved.ID {
		t.Errorf("id = %q, want %q", entries[0].ID, saved.ID)
	}
	if entries[0].Content != "budget=50K" {
		t.Errorf("content = %q", entries[0].Content)
	}

	// Other tenants see nothing.
	other, err := store.Get(ctx, "other", Filters{}, 10)
	if err != nil {
		t.Fatalf("failed to get other tenant: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("tenant isolation broken: %v", other)
	}
}

// TestJSONStoreSaveUpsert tests that saving the same id replaces in place.
func TestJSONStoreSaveUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	e := testEntry("acme", "budget=50K")
	if _, err := store.Save(ctx, e); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	e.Content = "budget=60K"
	if _, err := store.Save(ctx, e); err != nil {
		t.Fatalf("failed to re-save: %v", err)
	}

	entries, err := store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Content != "budget=60K" {
		t.Errorf("content = %q, want budget=60K", entries[0].Content)
	}
}

// TestJSONStoreFilters tests the read-side filters.
func TestJSONStoreFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	a := testEntry("acme", "budget=50K")
	a.UserID = "alice"
	a.Namespace = "planning"
	b := testEntry("acme", "tone=formal")
	b.UserID = "bob"
	b.Category = "user_preference"
	b.Type = "insight"
	for _, e := range []Entry{a, b} {
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	tests := []struct {
		name    string
		filters Filters
		want    int
	}{
		{"no filters", Filters{}, 2},
		{"by user", Filters{UserID: "alice"}, 1},
		{"by namespace", Filters{Namespace: "planning"}, 1},
		{"by category", Filters{Category: "user_preference"}, 1},
		{"by type", Filters{Type: "insight"}, 1},
		{"no match", Filters{UserID: "carol"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.Get(ctx, "acme", tt.filters, 10)
			if err != nil {
				t.Fatalf("failed to get: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(entries), tt.want)
			}
		})
	}
}

// TestJSONStoreTTLPrune tests that expired entries disappear on read.
func TestJSONStoreTTLPrune(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	expired := testEntry("acme", "old=1")
	past := time.Now().UTC().Add(-time.Hour)
	expired.ExpiresAt = &past
	live := testEntry("acme", "fresh=1")

	for _, e := range []Entry{expired, live} {
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	entries, err := store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "fresh=1" {
		t.Errorf("entries = %v, want only the fresh one", entries)
	}
}

// TestJSONStoreCap tests per-tenant capping keeps the most recent entries.
func TestJSONStoreCap(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 2)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		e := testEntry("acme", string(rune('a'+i))+"=1")
		e.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	entries, err := store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want cap of 2", len(entries))
	}
	for _, e := range entries {
		if e.Content == "a=1" {
			t.Error("oldest entry should have been evicted")
		}
	}
}

// TestJSONStoreDelete tests substring deletion, newest match first.
func TestJSONStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	older := testEntry("acme", "budget=40K")
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testEntry("acme", "budget=50K")
	for _, e := range []Entry{older, newer} {
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	removed, err := store.Delete(ctx, "acme", "BUDGET", Filters{})
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if removed == nil {
		t.Fatal("expected a removed entry")
	}
	if removed.Content != "budget=50K" {
		t.Errorf("removed = %q, want the newest match", removed.Content)
	}

	remaining, err := store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Content != "budget=40K" {
		t.Errorf("remaining = %v", remaining)
	}

	none, err := store.Delete(ctx, "acme", "does-not-exist", Filters{})
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for no match, got %v", none)
	}
}

// TestJSONStoreStatus tests the summary fields.
func TestJSONStoreStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	a := testEntry("acme", "budget=50K")
	a.Namespace = "planning"
	a.UpdatedAt = time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	b := testEntry("acme", "tone=formal")
	b.Category = ""
	exp := time.Now().UTC().Add(24 * time.Hour)
	b.ExpiresAt = &exp
	b.UpdatedAt = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for _, e := range []Entry{a, b} {
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	sum, err := store.Status(ctx, "acme", Filters{})
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if sum.Count != 2 {
		t.Errorf("count = %d, want 2", sum.Count)
	}
	if len(sum.Namespaces) != 2 {
		t.Errorf("namespaces = %v", sum.Namespaces)
	}
	found := false
	for _, c := range sum.Categories {
		if c == "?" {
			found = true
		}
	}
	if !found {
		t.Errorf("empty category should show as ?: %v", sum.Categories)
	}
	if sum.Oldest != "2026-08-10" || sum.Newest != "2026-08-20" {
		t.Errorf("range = %s -> %s", sum.Oldest, sum.Newest)
	}
	if sum.TTLCount != 1 {
		t.Errorf("ttl count = %d, want 1", sum.TTLCount)
	}

	empty, err := store.Status(ctx, "nobody", Filters{})
	if err != nil {
		t.Fatalf("failed to get empty status: %v", err)
	}
	if empty.Count != 0 {
		t.Errorf("count for unknown tenant = %d, want 0", empty.Count)
	}
}

// TestJSONStoreSearch tests the substring scan over content, reason and
// category.
func TestJSONStoreSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	a := testEntry("acme", "budget=50K")
	b := testEntry("acme", "tone=formal")
	b.Reason = "budget discussion outcome"
	c := testEntry("acme", "phase=2")
	for _, e := range []Entry{a, b, c} {
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	results, err := store.Search(ctx, "BUDGET", "acme", Filters{}, 10, nil)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (content and reason matches)", len(results))
	}
	for _, r := range results {
		if r.Score != 1.0 {
			t.Errorf("score = %v, want 1.0", r.Score)
		}
	}
}

// TestJSONStoreFindDuplicates tests key-overlap duplicate detection within
// the namespace/user/category scope.
func TestJSONStoreFindDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	existing := testEntry("acme", "as=0 | persona=seniors")
	otherCat := testEntry("acme", "as=5")
	otherCat.Category = "project_config"
	unstructured := testEntry("acme", "plain text note")
	for _, e := range []Entry{existing, otherCat, unstructured} {
		if _, err := store.Save(ctx, e); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	candidate := testEntry("acme", "as=12 | site=launched")
	dups, err := store.FindDuplicates(ctx, candidate, 0.85)
	if err != nil {
		t.Fatalf("failed to find duplicates: %v", err)
	}
	if len(dups) != 1 {
		t.Fatalf("got %d duplicates, want 1", len(dups))
	}
	if dups[0].Entry.ID != existing.ID {
		t.Errorf("duplicate id = %q, want %q", dups[0].Entry.ID, existing.ID)
	}

	// Unstructured candidates never match.
	plain := testEntry("acme", "another plain note")
	dups, err = store.FindDuplicates(ctx, plain, 0.85)
	if err != nil {
		t.Fatalf("failed to find duplicates: %v", err)
	}
	if len(dups) != 0 {
		t.Errorf("got %v, want none for unstructured content", dups)
	}
}

// TestJSONStorePathSafety tests that hostile client ids are rejected.
func TestJSONStorePathSafety(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONStore(t, 0)

	for _, id := range []string{"../../etc", "a/b", "..", ".hidden", ""} {
		e := testEntry(id, "x=1")
		if _, err := store.Save(ctx, e); err == nil {
			t.Errorf("save accepted hostile client id %q", id)
		}
		if _, err := store.Get(ctx, id, Filters{}, 10); err == nil {
			t.Errorf("get accepted hostile client id %q", id)
		}
	}
}

// TestJSONStoreCorruptionRecovery tests that a corrupt tenant file is
// quarantined and service continues.
func TestJSONStoreCorruptionRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewJSONStore(dir, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if _, err := store.Save(ctx, testEntry("acme", "a=1")); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	path := filepath.Join(dir, "acme", "memory.json")
	if err := os.WriteFile(path, []byte("{ not json"), 0o644); err != nil {
		t.Fatalf("failed to corrupt file: %v", err)
	}

	entries, err := store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("get after corruption failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want empty after reset", entries)
	}

	// The corrupt payload must be preserved in a backup next to the file.
	files, err := os.ReadDir(filepath.Join(dir, "acme"))
	if err != nil {
		t.Fatalf("failed to read tenant dir: %v", err)
	}
	backupFound := false
	for _, f := range files {
		if strings.Contains(f.Name(), ".corrupt-") && strings.HasSuffix(f.Name(), ".bak") {
			backupFound = true
		}
	}
	if !backupFound {
		t.Error("no quarantine backup written")
	}

	// The tenant is writable again.
	if _, err := store.Save(ctx, testEntry("acme", "b=2")); err != nil {
		t.Fatalf("save after recovery failed: %v", err)
	}
	entries, err = store.Get(ctx, "acme", Filters{}, 10)
	if err != nil {
		t.Fatalf("get after recovery failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "b=2" {
		t.Errorf("entries = %v", entries)
	}
}
