package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
)

const (
	memoryFileName = "memory.json"
	lockFileName   = ".lock"
)

// JSONStore persists one JSON array of entries per tenant under a root
// directory. Writes are serialized per tenant by an in-process mutex plus a
// cross-process advisory file lock; reads take no lock and may observe
// either side of a concurrent write.
type JSONStore struct {
	dir        string
	maxEntries int
	logger     *log.Logger

	mu        sync.Mutex
	clientMus map[string]*sync.Mutex
}

// NewJSONStore creates a file store rooted at dir. maxEntries caps entries
// per tenant (0 = unlimited).
func NewJSONStore(dir string, maxEntries int) (*JSONStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve memory dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}
	return &JSONStore{
		dir:        abs,
		maxEntries: maxEntries,
		logger:     log.WithPrefix("memory.json"),
		clientMus:  make(map[string]*sync.Mutex),
	}, nil
}

// clientMutex returns the per-tenant in-process write mutex.
func (s *JSONStore) clientMutex(clientID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.clientMus[clientID]
	if !ok {
		m = &sync.Mutex{}
		s.clientMus[clientID] = m
	}
	return m
}

// path validates clientID against the safe identifier pattern and resolves
// the tenant's file path, confirming it stays under the root directory.
func (s *JSONStore) path(clientID string) (string, error) {
	if !safeIDPattern.MatchString(clientID) {
		return "", fmt.Errorf("invalid client_id: must match [a-zA-Z0-9._-], got '%s'", clientID)
	}
	p, err := filepath.Abs(filepath.Join(s.dir, clientID, memoryFileName))
	if err != nil {
		return "", fmt.Errorf("invalid client_id: %w", err)
	}
	if !strings.HasPrefix(p, s.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid client_id: path escape detected for '%s'", clientID)
	}
	return p, nil
}

// lockFile acquires the cross-process advisory lock for a tenant. The
// caller must release the returned lock.
func (s *JSONStore) lockFile(clientID string) (*flock.Flock, error) {
	lockPath := filepath.Join(s.dir, clientID, lockFileName)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tenant dir: %w", err)
	}
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return fl, nil
}

// load reads and parses a tenant file. A file that does not parse as a JSON
// array is quarantined to a timestamped backup and replaced with an empty
// array so one corruption cannot permanently deny service to the tenant.
func (s *JSONStore) load(path string) []Entry {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read memory file", "path", path, "err", err)
		return nil
	}
	var records []entryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("failed to parse memory file", "path", path, "err", err)
		s.recoverCorruptFile(path)
		return nil
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entryFromRecord(rec))
	}
	return entries
}

// recoverCorruptFile renames a corrupt file to a timestamped backup next to
// the original and resets it to an empty array, preserving forensic evidence.
func (s *JSONStore) recoverCorruptFile(path string) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	backup := path + ".corrupt-" + ts + ".bak"
	if err := os.Rename(path, backup); err != nil {
		s.logger.Error("failed to quarantine corrupt memory file", "path", path, "err", err)
		return
	}
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		s.logger.Error("failed to reset corrupt memory file", "path", path, "err", err)
		return
	}
	s.logger.Warn("recovered corrupt memory file", "path", path, "backup", backup)
}

// persist writes entries to a temporary file in the same directory and
// atomically replaces the target, so a cancelled write never leaves a
// partially written file behind.
func (s *JSONStore) persist(path string, entries []Entry) error {
	records := make([]entryRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.toRecord())
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode memory file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tenant dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), memoryFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace memory file: %w", err)
	}
	return nil
}

// pruneExpired drops entries whose expiry has passed. Pruned entries are
// only physically removed when the next write rewrites the file.
func pruneExpired(entries []Entry) []Entry {
	now := time.Now().UTC()
	kept := entries[:0]
	for _, e := range entries {
		if !e.Expired(now) {
			kept = append(kept, e)
		}
	}
	return kept
}

func matchesFilters(e Entry, f Filters) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

func sortByUpdatedDesc(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
}

// Save upserts the entry under both tenant locks, holding them for the full
// load-modify-persist cycle.
func (s *JSONStore) Save(ctx context.Context, entry Entry) (Entry, error) {
	path, err := s.path(entry.ClientID)
	if err != nil {
		return Entry{}, err
	}

	mu := s.clientMutex(entry.ClientID)
	mu.Lock()
	defer mu.Unlock()
	fl, err := s.lockFile(entry.ClientID)
	if err != nil {
		return Entry{}, err
	}
	defer fl.Unlock()

	entries := pruneExpired(s.load(path))

	// ID-based update: re-save after a merge.
	for i, existing := range entries {
		if existing.ID == entry.ID {
			entries[i] = entry
			if err := s.persist(path, entries); err != nil {
				return Entry{}, err
			}
			return entry, nil
		}
	}

	entries = append(entries, entry)

	// Cap entries, keeping the most recently updated; 0 = unlimited.
	if s.maxEntries > 0 && len(entries) > s.maxEntries {
		sortByUpdatedDesc(entries)
		entries = entries[:s.maxEntries]
	}

	if err := s.persist(path, entries); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get loads, prunes and filters a tenant's entries without locking.
func (s *JSONStore) Get(ctx context.Context, clientID string, f Filters, limit int) ([]Entry, error) {
	path, err := s.path(clientID)
	if err != nil {
		return nil, err
	}
	entries := pruneExpired(s.load(path))

	matched := entries[:0]
	for _, e := range entries {
		if matchesFilters(e, f) {
			matched = append(matched, e)
		}
	}
	sortByUpdatedDesc(matched)
	limit = clampLimit(limit, 100)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Delete removes the most recently updated entry whose content contains
// contentMatch, case-insensitively, under both tenant locks.
func (s *JSONStore) Delete(ctx context.Context, clientID, contentMatch string, f Filters) (*Entry, error) {
	path, err := s.path(clientID)
	if err != nil {
		return nil, err
	}

	mu := s.clientMutex(clientID)
	mu.Lock()
	defer mu.Unlock()
	fl, err := s.lockFile(clientID)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	entries := s.load(path)
	if len(entries) == 0 {
		return nil, nil
	}

	cm := strings.ToLower(contentMatch)
	sortByUpdatedDesc(entries)
	for i, e := range entries {
		if !matchesFilters(e, Filters{UserID: f.UserID, Namespace: f.Namespace, Category: f.Category}) {
			continue
		}
		if strings.Contains(strings.ToLower(e.Content), cm) {
			removed := e
			entries = append(entries[:i], entries[i+1:]...)
			if err := s.persist(path, entries); err != nil {
				return nil, err
			}
			return &removed, nil
		}
	}
	return nil, nil
}

// Status summarizes a tenant's non-expired entries, restricted by the
// user/namespace filters.
func (s *JSONStore) Status(ctx context.Context, clientID string, f Filters) (Summary, error) {
	path, err := s.path(clientID)
	if err != nil {
		return Summary{}, err
	}
	entries := pruneExpired(s.load(path))

	matched := entries[:0]
	for _, e := range entries {
		if matchesFilters(e, Filters{UserID: f.UserID, Namespace: f.Namespace}) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return Summary{}, nil
	}

	namespaces := make(map[string]bool)
	categories := make(map[string]bool)
	var oldest, newest string
	ttlCount := 0
	for _, e := range matched {
		namespaces[e.Namespace] = true
		if e.Category != "" {
			categories[e.Category] = true
		} else {
			categories["?"] = true
		}
		d := e.UpdatedAt.UTC().Format("2006-01-02")
		if oldest == "" || d < oldest {
			oldest = d
		}
		if newest == "" || d > newest {
			newest = d
		}
		if e.ExpiresAt != nil {
			ttlCount++
		}
	}

	return Summary{
		Count:      len(matched),
		Namespaces: sortedKeys(namespaces),
		Categories: sortedKeys(categories),
		Oldest:     oldest,
		Newest:     newest,
		TTLCount:   ttlCount,
	}, nil
}

// Search is a case-insensitive substring scan over content, reason and
// category. Every match scores the maximum; ties break by recency.
func (s *JSONStore) Search(ctx context.Context, query, clientID string, f Filters, limit int, queryEmbedding []float32) ([]ScoredEntry, error) {
	path, err := s.path(clientID)
	if err != nil {
		return nil, err
	}
	entries := pruneExpired(s.load(path))

	q := strings.ToLower(query)
	var matches []ScoredEntry
	for _, e := range entries {
		if !matchesFilters(e, Filters{UserID: f.UserID, Namespace: f.Namespace}) {
			continue
		}
		searchable := strings.ToLower(e.Content + " " + e.Reason + " " + e.Category)
		if strings.Contains(searchable, q) {
			matches = append(matches, ScoredEntry{Entry: e, Score: 1.0})
		}
	}

	// All scores are equal, so order by date, newest first.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Entry.UpdatedAt.After(matches[j].Entry.UpdatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// FindDuplicates reports entries in the same namespace/user/category scope
// that share at least one content key with the candidate, each at the
// maximum score. This backend has no embeddings, so the threshold argument
// is intentionally ignored: overlap is exact, not semantic.
func (s *JSONStore) FindDuplicates(ctx context.Context, entry Entry, threshold float32) ([]ScoredEntry, error) {
	newKV := ParseKV(entry.Content)
	if newKV.Len() == 0 {
		return nil, nil
	}

	path, err := s.path(entry.ClientID)
	if err != nil {
		return nil, err
	}
	entries := pruneExpired(s.load(path))

	var results []ScoredEntry
	for _, e := range entries {
		if e.Namespace != entry.Namespace || e.UserID != entry.UserID || e.Category != entry.Category {
			continue
		}
		existingKV := ParseKV(e.Content)
		for _, k := range newKV.Keys() {
			if existingKV.Has(k) {
				results = append(results, ScoredEntry{Entry: e, Score: 1.0})
				break
			}
		}
	}
	return results, nil
}

// Close is a no-op for the file store.
func (s *JSONStore) Close() error {
	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*JSONStore)(nil)
