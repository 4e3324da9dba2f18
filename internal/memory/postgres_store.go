package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore persists entries in a single memories table with a pgvector
// embedding column. Search uses cosine similarity when a query embedding is
// available; otherwise it degrades from Postgres full-text ranking to a
// plain substring scan.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxEntries int
	dimensions int
}

// NewPostgresStore connects to the given database URL, ensures the pgvector
// extension and schema exist, and returns the store. maxEntries caps rows
// per tenant (0 = unlimited); dimensions fixes the vector column width.
func NewPostgresStore(ctx context.Context, databaseURL string, maxEntries, dimensions int) (*PostgresStore, error) {
	// The extension must exist before vector types can be registered on
	// pooled connections, so bootstrap it on a throwaway connection.
	boot, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := boot.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		boot.Close(ctx)
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}
	boot.Close(ctx)

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, maxEntries: maxEntries, dimensions: dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the memories table and its indexes if missing. Every
// statement is idempotent so startup is safe against concurrent instances.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memories (
			id UUID PRIMARY KEY,
			client_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '%s',
			namespace TEXT NOT NULL DEFAULT '%s',
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			category TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			source_mcp TEXT NOT NULL DEFAULT '',
			merged_from UUID[] NOT NULL DEFAULT '{}',
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', content || ' ' || reason)) STORED
		)
	`, AnonymousUserID, DefaultNamespace, s.dimensions)

	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_memories_client ON memories (client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_client_ns ON memories (client_id, namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_client_user ON memories (client_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_metadata ON memories USING GIN (metadata)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories (expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN (content_tsv)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
	}
	for _, stmt := range indexes {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

const entryColumns = `id, client_id, user_id, namespace, content, metadata,
	category, type, reason, source_mcp, merged_from, embedding,
	created_at, updated_at, expires_at`

// scanEntry reads one row in entryColumns order.
func scanEntry(row pgx.Rows) (Entry, error) {
	var (
		e        Entry
		metadata []byte
		vec      *pgvector.Vector
	)
	err := row.Scan(
		&e.ID, &e.ClientID, &e.UserID, &e.Namespace, &e.Content, &metadata,
		&e.Category, &e.Type, &e.Reason, &e.SourceMCP, &e.MergedFrom, &vec,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to scan entry: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if vec != nil {
		e.Embedding = vec.Slice()
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// whereClause builds a WHERE fragment for the tenant, the optional filters
// and expiry, appending to args and returning the fragment.
func whereClause(clientID string, f Filters, args *[]any) string {
	conds := []string{}
	add := func(expr string, v any) {
		*args = append(*args, v)
		conds = append(conds, fmt.Sprintf(expr, len(*args)))
	}
	add("client_id = $%d", clientID)
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Namespace != "" {
		add("namespace = $%d", f.Namespace)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	conds = append(conds, "(expires_at IS NULL OR expires_at > now())")
	return strings.Join(conds, " AND ")
}

// Save upserts by id, then evicts the oldest rows if the tenant is over cap.
func (s *PostgresStore) Save(ctx context.Context, entry Entry) (Entry, error) {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var vec *pgvector.Vector
	if len(entry.Embedding) > 0 {
		v := pgvector.NewVector(entry.Embedding)
		vec = &v
	}
	mergedFrom := entry.MergedFrom
	if mergedFrom == nil {
		mergedFrom = []string{}
	}

	query := `
		INSERT INTO memories (id, client_id, user_id, namespace, content, metadata,
			category, type, reason, source_mcp, merged_from, embedding,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			category = EXCLUDED.category,
			type = EXCLUDED.type,
			reason = EXCLUDED.reason,
			source_mcp = EXCLUDED.source_mcp,
			merged_from = EXCLUDED.merged_from,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err = s.pool.Exec(ctx, query,
		entry.ID, entry.ClientID, entry.UserID, entry.Namespace, entry.Content, metadata,
		entry.Category, entry.Type, entry.Reason, entry.SourceMCP, mergedFrom, vec,
		entry.CreatedAt, entry.UpdatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to save entry: %w", err)
	}

	if err := s.evictOverCap(ctx, entry.ClientID); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// evictOverCap deletes the least recently updated rows beyond the per-tenant
// cap. The id tiebreak keeps eviction deterministic.
func (s *PostgresStore) evictOverCap(ctx context.Context, clientID string) error {
	if s.maxEntries <= 0 {
		return nil
	}
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memories WHERE client_id = $1`, clientID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count entries: %w", err)
	}
	if count <= s.maxEntries {
		return nil
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			WHERE client_id = $1
			ORDER BY updated_at ASC, id ASC
			LIMIT $2
		)
	`, clientID, count-s.maxEntries)
	if err != nil {
		return fmt.Errorf("failed to evict entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID string, f Filters, limit int) ([]Entry, error) {
	var args []any
	where := whereClause(clientID, f, &args)
	limit = clampLimit(limit, 100)
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d
	`, entryColumns, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return collectEntries(rows)
}

// Delete removes the most recently updated matching row, returning it, or
// nil when nothing matched.
func (s *PostgresStore) Delete(ctx context.Context, clientID, contentMatch string, f Filters) (*Entry, error) {
	var args []any
	where := whereClause(clientID, Filters{UserID: f.UserID, Namespace: f.Namespace, Category: f.Category}, &args)
	args = append(args, "%"+escapeILike(contentMatch)+"%")
	query := fmt.Sprintf(`
		DELETE FROM memories WHERE id = (
			SELECT id FROM memories
			WHERE %s AND content ILIKE $%d
			ORDER BY updated_at DESC
			LIMIT 1
		)
		RETURNING %s
	`, where, len(args), entryColumns)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete entry: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *PostgresStore) Status(ctx context.Context, clientID string, f Filters) (Summary, error) {
	var args []any
	where := whereClause(clientID, Filters{UserID: f.UserID, Namespace: f.Namespace}, &args)
	query := fmt.Sprintf(`
		SELECT count(*),
			COALESCE(array_agg(DISTINCT namespace), '{}'),
			COALESCE(array_agg(DISTINCT CASE WHEN category = '' THEN '?' ELSE category END), '{}'),
			COALESCE(to_char(min(created_at), 'YYYY-MM-DD'), ''),
			COALESCE(to_char(max(updated_at), 'YYYY-MM-DD'), ''),
			count(*) FILTER (WHERE expires_at IS NOT NULL)
		FROM memories WHERE %s
	`, where)

	var sum Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.Count, &sum.Namespaces, &sum.Categories, &sum.Oldest, &sum.Newest, &sum.TTLCount,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query status: %w", err)
	}
	if sum.Count == 0 {
		return Summary{}, nil
	}
	return sum, nil
}

// Search uses cosine similarity when a query embedding is supplied, even if
// it yields nothing. Without an embedding it falls back to full-text, then
// to plain substring matching.
func (s *PostgresStore) Search(ctx context.Context, query, clientID string, f Filters, limit int, queryEmbedding []float32) ([]ScoredEntry, error) {
	limit = clampLimit(limit, 50)
	scope := Filters{UserID: f.UserID, Namespace: f.Namespace}

	if len(queryEmbedding) > 0 {
		return s.searchVector(ctx, clientID, scope, queryEmbedding, limit)
	}

	results, err := s.searchFullText(ctx, query, clientID, scope, limit)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results, nil
	}

	return s.searchSubstring(ctx, query, clientID, scope, limit)
}

func (s *PostgresStore) searchVector(ctx context.Context, clientID string, f Filters, queryEmbedding []float32, limit int) ([]ScoredEntry, error) {
	var args []any
	where := whereClause(clientID, f, &args)
	args = append(args, pgvector.NewVector(queryEmbedding))
	vecArg := len(args)
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $%d) AS score
		FROM memories
		WHERE %s AND embedding IS NOT NULL
		ORDER BY embedding <=> $%d
		LIMIT $%d
	`, entryColumns, vecArg, where, vecArg, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	return collectScored(rows)
}

func (s *PostgresStore) searchFullText(ctx context.Context, text, clientID string, f Filters, limit int) ([]ScoredEntry, error) {
	var args []any
	where := whereClause(clientID, f, &args)
	args = append(args, text)
	queryArg := len(args)
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s, ts_rank(content_tsv, plainto_tsquery('simple', $%d)) AS score
		FROM memories
		WHERE %s AND content_tsv @@ plainto_tsquery('simple', $%d)
		ORDER BY score DESC, updated_at DESC
		LIMIT $%d
	`, entryColumns, queryArg, where, queryArg, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run full-text search: %w", err)
	}
	return collectScored(rows)
}

func (s *PostgresStore) searchSubstring(ctx context.Context, text, clientID string, f Filters, limit int) ([]ScoredEntry, error) {
	var args []any
	where := whereClause(clientID, f, &args)
	args = append(args, "%"+escapeILike(text)+"%")
	patArg := len(args)
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s, 0.5::float4 AS score
		FROM memories
		WHERE %s AND (content ILIKE $%d OR reason ILIKE $%d)
		ORDER BY updated_at DESC
		LIMIT $%d
	`, entryColumns, where, patArg, patArg, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run substring search: %w", err)
	}
	return collectScored(rows)
}

func collectScored(rows pgx.Rows) ([]ScoredEntry, error) {
	defer rows.Close()
	var results []ScoredEntry
	for rows.Next() {
		var (
			e        Entry
			metadata []byte
			vec      *pgvector.Vector
			score    float32
		)
		err := rows.Scan(
			&e.ID, &e.ClientID, &e.UserID, &e.Namespace, &e.Content, &metadata,
			&e.Category, &e.Type, &e.Reason, &e.SourceMCP, &e.MergedFrom, &vec,
			&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt, &score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		if vec != nil {
			e.Embedding = vec.Slice()
		}
		results = append(results, ScoredEntry{Entry: e, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}
	return results, nil
}

// FindDuplicates returns up to 5 entries in the same tenant/namespace/user
// scope whose cosine similarity to the candidate meets the threshold.
// Entries without an embedding never participate.
func (s *PostgresStore) FindDuplicates(ctx context.Context, entry Entry, threshold float32) ([]ScoredEntry, error) {
	if len(entry.Embedding) == 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(entry.Embedding)
	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS score
		FROM memories
		WHERE client_id = $2 AND namespace = $3 AND user_id = $4
		  AND id <> $5
		  AND embedding IS NOT NULL
		  AND (expires_at IS NULL OR expires_at > now())
		  AND 1 - (embedding <=> $1) >= $6
		ORDER BY embedding <=> $1
		LIMIT 5
	`, entryColumns)

	rows, err := s.pool.Query(ctx, query,
		vec, entry.ClientID, entry.Namespace, entry.UserID, entry.ID, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicates: %w", err)
	}
	return collectScored(rows)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// escapeILike escapes LIKE metacharacters so user text matches literally.
func escapeILike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Store = (*PostgresStore)(nil)
