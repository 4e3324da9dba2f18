package memory

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func mkEntry(content, user string, updated time.Time) Entry {
	e := NewEntry()
	e.Content = content
	e.UserID = user
	e.UpdatedAt = updated
	return e
}

// TestMergeEntriesKVUnion tests the key union with incoming values winning.
func TestMergeEntriesKVUnion(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	existing := mkEntry("as=0 | persona=seniors", "alice", base)
	incoming := mkEntry("as=12 | site=launched", "bob", base.AddDate(0, 0, 5))

	res := MergeEntries(existing, incoming, 500)

	want := "as=12 | persona=seniors | site=launched"
	if res.Entry.Content != want {
		t.Errorf("content = %q, want %q", res.Entry.Content, want)
	}
	if len(res.SharedKeys) != 1 || res.SharedKeys[0] != "as" {
		t.Errorf("shared keys = %v, want [as]", res.SharedKeys)
	}
	if len(res.Changes) != 1 || res.Changes[0] != "as 0->12" {
		t.Errorf("changes = %v, want [as 0->12]", res.Changes)
	}
	if res.Entry.ID != existing.ID {
		t.Errorf("merged entry should keep the existing id")
	}
	if len(res.Entry.MergedFrom) != 1 || res.Entry.MergedFrom[0] != incoming.ID {
		t.Errorf("merged_from = %v, want [%s]", res.Entry.MergedFrom, incoming.ID)
	}
	if !res.Entry.UpdatedAt.Equal(incoming.UpdatedAt) {
		t.Errorf("updated_at should follow the incoming entry")
	}
}

// TestMergeEntriesSharedEqualValue tests that equal shared values are
// reported as shared but not as changed.
func TestMergeEntriesSharedEqualValue(t *testing.T) {
	now := time.Now().UTC()
	existing := mkEntry("budget=50K", "alice", now)
	incoming := mkEntry("budget=50K | phase=2", "alice", now)

	res := MergeEntries(existing, incoming, 500)
	if len(res.SharedKeys) != 1 {
		t.Errorf("shared keys = %v, want [budget]", res.SharedKeys)
	}
	if len(res.Changes) != 0 {
		t.Errorf("changes = %v, want none", res.Changes)
	}
	if res.Entry.Content != "budget=50K | phase=2" {
		t.Errorf("content = %q", res.Entry.Content)
	}
}

// TestMergeEntriesSemantic tests that unstructured incoming content
// replaces the existing content outright, even when the existing side
// carries key=value structure.
func TestMergeEntriesSemantic(t *testing.T) {
	now := time.Now().UTC()
	existing := mkEntry("budget=50K", "alice", now)
	incoming := mkEntry("the budget was reduced after review", "bob", now)

	res := MergeEntries(existing, incoming, 500)
	if res.Entry.Content != incoming.Content {
		t.Errorf("content = %q, want incoming content", res.Entry.Content)
	}
	if len(res.SharedKeys) != 0 {
		t.Errorf("shared keys = %v, want none", res.SharedKeys)
	}
	if kv := ParseKV(res.Entry.Content); kv.Len() != 0 {
		t.Errorf("merged content kept structure %v, want unstructured replacement", kv.Keys())
	}
}

// TestMergeEntriesTruncation tests the merged content length bound.
func TestMergeEntriesTruncation(t *testing.T) {
	now := time.Now().UTC()
	existing := mkEntry("a="+strings.Repeat("x", 40), "alice", now)
	incoming := mkEntry("b="+strings.Repeat("y", 40), "alice", now)

	res := MergeEntries(existing, incoming, 50)
	if len(res.Entry.Content) != 50 {
		t.Errorf("content length = %d, want 50", len(res.Entry.Content))
	}
}

// TestTruncate tests that the length bound counts characters and never
// splits a multi-byte rune.
func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under limit", "abc", 5, "abc"},
		{"at limit", "abcde", 5, "abcde"},
		{"over limit", "abcdef", 5, "abcde"},
		{"no limit", "abcdef", 0, "abcdef"},
		{"multibyte", strings.Repeat("é", 10), 4, strings.Repeat("é", 4)},
		{"mixed", "caf" + strings.Repeat("é", 5), 4, "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.max)
			}
		})
	}
}

// TestMergeEntriesMetadataAndSource tests metadata merging and the
// non-empty source_mcp overwrite rule.
func TestMergeEntriesMetadataAndSource(t *testing.T) {
	now := time.Now().UTC()
	existing := mkEntry("a=1", "alice", now)
	existing.SourceMCP = "crm"
	existing.Metadata = Metadata{KV: map[string]string{"a": "1"}, Fields: map[string]any{"x": 1}}
	incoming := mkEntry("a=2", "alice", now)
	incoming.Metadata = Metadata{KV: map[string]string{"a": "2"}}

	res := MergeEntries(existing, incoming, 500)
	if res.Entry.SourceMCP != "crm" {
		t.Errorf("empty incoming source_mcp should not clear %q", existing.SourceMCP)
	}
	if res.Entry.Metadata.KV["a"] != "2" {
		t.Errorf("kv a = %q, want 2", res.Entry.Metadata.KV["a"])
	}
	if res.Entry.Metadata.Fields["x"] != 1 {
		t.Errorf("field x = %v, want 1", res.Entry.Metadata.Fields["x"])
	}

	incoming.SourceMCP = "calendar"
	res = MergeEntries(existing, incoming, 500)
	if res.Entry.SourceMCP != "calendar" {
		t.Errorf("source_mcp = %q, want calendar", res.Entry.SourceMCP)
	}
}

// TestDetectConflicts tests conflict reporting across entries.
func TestDetectConflicts(t *testing.T) {
	newer := mkEntry("budget=50K | channel=seo", "alice", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	older := mkEntry("budget=40K | channel=seo", "bob", time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC))

	conflicts := DetectConflicts([]Entry{newer, older})
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want exactly one", conflicts)
	}
	want := "CONFLICT budget: current=50K (2026-08-20), previous=40K (2026-08-10 @bob)"
	if conflicts[0] != want {
		t.Errorf("conflict = %q\nwant      %q", conflicts[0], want)
	}
}

// TestDetectConflictsAnonymous tests that the anonymous user carries no
// attribution suffix.
func TestDetectConflictsAnonymous(t *testing.T) {
	newer := mkEntry("tone=formal", AnonymousUserID, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	older := mkEntry("tone=casual", AnonymousUserID, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC))

	conflicts := DetectConflicts([]Entry{newer, older})
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want exactly one", conflicts)
	}
	if strings.Contains(conflicts[0], "@") {
		t.Errorf("anonymous conflict should have no user mark: %s", conflicts[0])
	}
}

// TestDetectConflictsOrderIndependent tests that score-ordered input still
// yields the chronologically latest value as current.
func TestDetectConflictsOrderIndependent(t *testing.T) {
	newer := mkEntry("budget=50K", "alice", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	older := mkEntry("budget=40K", "bob", time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC))

	// Older entry first, as a relevance-ranked search might return it.
	conflicts := DetectConflicts([]Entry{older, newer})
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want exactly one", conflicts)
	}
	if !strings.Contains(conflicts[0], "current=50K") {
		t.Errorf("latest value should be current: %s", conflicts[0])
	}
}

// TestDetectConflictsNoConflict tests that agreeing entries report nothing.
func TestDetectConflictsNoConflict(t *testing.T) {
	a := mkEntry("budget=50K", "alice", time.Now().UTC())
	b := mkEntry("budget=50K | phase=2", "bob", time.Now().UTC().Add(-time.Hour))

	if conflicts := DetectConflicts([]Entry{a, b}); len(conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", conflicts)
	}
}
