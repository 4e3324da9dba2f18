// Package memory provides the storage and reconciliation engine for the
// shared multi-tenant memory store: the entry data model, the pluggable
// storage backends (JSON files or Postgres+pgvector), the dedup/merge
// resolver and the per-tenant rate limiter.
package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel identifiers used when a caller does not supply one.
const (
	DefaultClientID  = "_default"
	AnonymousUserID  = "_anonymous"
	DefaultNamespace = "general"
)

// ValidTypes is the closed set of accepted entry types.
var ValidTypes = []string{"exclusion", "decision", "anomaly", "insight", "action"}

// RecommendedCategories are the well-known category names. Anything else
// should carry an "x_" prefix to mark it as custom.
var RecommendedCategories = []string{
	"business_context",
	"project_config",
	"user_preference",
	"domain_context",
	"analysis_context",
	"content_strategy",
}

// Entry is the unit of persisted knowledge. It maps to an object in a
// per-tenant JSON file or a row in the Postgres memories table.
type Entry struct {
	ID         string
	ClientID   string
	UserID     string
	Namespace  string
	Content    string
	Metadata   Metadata
	Category   string
	Type       string
	Reason     string
	Embedding  []float32
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
	SourceMCP  string
	MergedFrom []string
}

// NewEntry returns an Entry with a fresh UUID, sentinel identifiers and
// both timestamps set to now.
func NewEntry() Entry {
	now := time.Now().UTC()
	return Entry{
		ID:        uuid.NewString(),
		ClientID:  DefaultClientID,
		UserID:    AnonymousUserID,
		Namespace: DefaultNamespace,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Expired reports whether the entry's expiry has passed at the given instant.
// Entries without an expiry never expire.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Metadata is the open auxiliary mapping carried by an entry. The parsed
// key=value view of the entry content lives in the named KV sub-map; every
// other key round-trips through Fields untouched.
type Metadata struct {
	KV     map[string]string
	Fields map[string]any
}

// IsZero reports whether the metadata carries nothing. It makes the
// `omitzero` JSON tag work on embedding structs.
func (m Metadata) IsZero() bool {
	return len(m.KV) == 0 && len(m.Fields) == 0
}

// Merge returns a shallow merge of m and in where incoming fields win on
// collision; the KV sub-map itself is merged one level deeper.
func (m Metadata) Merge(in Metadata) Metadata {
	out := Metadata{}
	if len(m.Fields) > 0 || len(in.Fields) > 0 {
		out.Fields = make(map[string]any, len(m.Fields)+len(in.Fields))
		for k, v := range m.Fields {
			out.Fields[k] = v
		}
		for k, v := range in.Fields {
			out.Fields[k] = v
		}
	}
	if len(m.KV) > 0 || len(in.KV) > 0 {
		out.KV = make(map[string]string, len(m.KV)+len(in.KV))
		for k, v := range m.KV {
			out.KV[k] = v
		}
		for k, v := range in.KV {
			out.KV[k] = v
		}
	}
	return out
}

// WithKV returns a copy of m with the given pairs folded into the KV
// sub-map, keeping any pre-existing pairs that the new set does not name.
func (m Metadata) WithKV(pairs map[string]string) Metadata {
	if len(pairs) == 0 {
		return m
	}
	return m.Merge(Metadata{KV: pairs})
}

// MarshalJSON flattens Fields and emits KV under the reserved "kv" key.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	if len(m.KV) > 0 {
		out["kv"] = m.KV
	}
	return json.Marshal(out)
}

// UnmarshalJSON pulls the reserved "kv" key out of the raw object and keeps
// everything else in Fields.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		if k == "kv" {
			if kvMap, ok := v.(map[string]any); ok {
				m.KV = make(map[string]string, len(kvMap))
				for kk, vv := range kvMap {
					if s, ok := vv.(string); ok {
						m.KV[kk] = s
					} else {
						m.KV[kk] = fmt.Sprint(vv)
					}
				}
				continue
			}
		}
		if m.Fields == nil {
			m.Fields = make(map[string]any)
		}
		m.Fields[k] = v
	}
	return nil
}

// entryRecord is the wire format of one entry inside a tenant's JSON file.
// Embeddings are never persisted in this format. The date and ttl_days
// fields only exist to read files written by the legacy v2 schema.
type entryRecord struct {
	ID         string   `json:"id"`
	ClientID   string   `json:"client_id"`
	UserID     string   `json:"user_id"`
	Namespace  string   `json:"namespace"`
	Content    string   `json:"content"`
	Metadata   Metadata `json:"metadata,omitzero"`
	Category   string   `json:"category"`
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	SourceMCP  string   `json:"source_mcp,omitempty"`
	MergedFrom []string `json:"merged_from,omitempty"`

	// Legacy v2 fields, read-only.
	Date    string  `json:"date,omitempty"`
	TTLDays float64 `json:"ttl_days,omitempty"`
}

// toRecord converts an entry to its normalized JSON file representation.
func (e Entry) toRecord() entryRecord {
	rec := entryRecord{
		ID:         e.ID,
		ClientID:   e.ClientID,
		UserID:     e.UserID,
		Namespace:  e.Namespace,
		Content:    e.Content,
		Metadata:   e.Metadata,
		Category:   e.Category,
		Type:       e.Type,
		Reason:     e.Reason,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  e.UpdatedAt.UTC().Format(time.RFC3339),
		SourceMCP:  e.SourceMCP,
		MergedFrom: e.MergedFrom,
	}
	if e.ExpiresAt != nil {
		rec.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return rec
}

// entryFromRecord converts a JSON file record to an Entry, applying legacy
// fallbacks: date stands in for created_at, and a numeric ttl_days is
// converted to an absolute expiry relative to creation.
func entryFromRecord(rec entryRecord) Entry {
	now := time.Now().UTC()

	created := now
	if raw := firstNonEmpty(rec.CreatedAt, rec.Date); raw != "" {
		if t, err := parseTimestamp(raw); err == nil {
			created = t
		}
	}
	updated := created
	if rec.UpdatedAt != "" {
		if t, err := parseTimestamp(rec.UpdatedAt); err == nil {
			updated = t
		}
	}

	var expires *time.Time
	if rec.ExpiresAt != "" {
		if t, err := parseTimestamp(rec.ExpiresAt); err == nil {
			expires = &t
		}
	} else if rec.TTLDays > 0 {
		t := created.Add(time.Duration(rec.TTLDays) * 24 * time.Hour)
		expires = &t
	}

	e := Entry{
		ID:         rec.ID,
		ClientID:   rec.ClientID,
		UserID:     rec.UserID,
		Namespace:  rec.Namespace,
		Content:    rec.Content,
		Metadata:   rec.Metadata,
		Category:   rec.Category,
		Type:       rec.Type,
		Reason:     rec.Reason,
		CreatedAt:  created,
		UpdatedAt:  updated,
		ExpiresAt:  expires,
		SourceMCP:  rec.SourceMCP,
		MergedFrom: rec.MergedFrom,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ClientID == "" {
		e.ClientID = DefaultClientID
	}
	if e.UserID == "" {
		e.UserID = AnonymousUserID
	}
	if e.Namespace == "" {
		e.Namespace = DefaultNamespace
	}
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTimestamp parses a persisted timestamp string. Files written by the
// legacy schema may carry ISO timestamps without a zone marker.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
