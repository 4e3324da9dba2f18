package memory

import (
	"context"
	"fmt"

	"github.com/JrmHsr/pimemento/internal/config"
)

// Filters narrows read operations to matching entries. Zero-valued fields
// are ignored. Delete ignores Type; Status ignores Category and Type.
type Filters struct {
	UserID    string
	Namespace string
	Category  string
	Type      string
}

// ScoredEntry pairs an entry with a backend-specific relevance score.
type ScoredEntry struct {
	Entry Entry
	Score float32
}

// Summary is the lightweight per-tenant status report.
type Summary struct {
	Count      int
	Namespaces []string
	Categories []string
	Oldest     string
	Newest     string
	TTLCount   int
}

// Store is the contract every storage backend implements. All operations
// are safe for concurrent use; consistency is per tenant, never global.
type Store interface {
	// Save is an idempotent upsert keyed by entry ID. After an insert the
	// backend evicts the oldest entries (by updated_at) for the tenant when
	// a per-tenant cap is configured and exceeded.
	Save(ctx context.Context, entry Entry) (Entry, error)

	// Get returns non-expired entries for a tenant matching the filters,
	// newest first, truncated to limit (clamped to [1,100]).
	Get(ctx context.Context, clientID string, f Filters, limit int) ([]Entry, error)

	// Delete removes and returns the most recently updated entry whose
	// content contains contentMatch (case-insensitive), restricted by the
	// filters. Returns nil when nothing matches.
	Delete(ctx context.Context, clientID, contentMatch string, f Filters) (*Entry, error)

	// Status summarizes a tenant's entries. A zero-count summary means
	// nothing matched.
	Status(ctx context.Context, clientID string, f Filters) (Summary, error)

	// Search returns scored entries sorted by descending relevance. The
	// ranking is backend-specific; queryEmbedding may be nil.
	Search(ctx context.Context, query, clientID string, f Filters, limit int, queryEmbedding []float32) ([]ScoredEntry, error)

	// FindDuplicates returns candidate duplicates of the given entry within
	// the same client/namespace/user scope, ranked by descending score.
	FindDuplicates(ctx context.Context, entry Entry, threshold float32) ([]ScoredEntry, error)

	// Close releases backend resources. Safe to call more than once.
	Close() error
}

// NewStore instantiates the configured backend. The backend set is closed:
// json or postgres, chosen once at construction time.
func NewStore(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendJSON:
		return NewJSONStore(cfg.MemoryDir, cfg.MaxEntriesPerClient)
	case config.BackendPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxEntriesPerClient, cfg.EmbeddingDimensions)
	default:
		return nil, fmt.Errorf("unknown backend %q: expected json or postgres", cfg.Backend)
	}
}

func clampLimit(limit, max int) int {
	if limit < 1 {
		return 1
	}
	if limit > max {
		return max
	}
	return limit
}
