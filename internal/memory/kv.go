package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Field length limits shared by the service surface.
const (
	MaxReasonLen     = 300
	MaxQueryLen      = 500
	MaxMetadataBytes = 5000
)

// safeIDPattern accepts identifiers that start with an alphanumeric or
// underscore followed by up to 99 alphanumeric, dot, underscore or hyphen
// characters. It admits the sentinels (_default, _anonymous) while blocking
// path separators and traversal sequences.
var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,99}$`)

// ValidateIdentifier sanitizes a client_id, user_id or namespace value.
// An empty value falls back to the given default; anything non-empty must
// match the safe pattern.
func ValidateIdentifier(name, value, fallback string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		v = fallback
	}
	if v == "" {
		return fallback, nil
	}
	if !safeIDPattern.MatchString(v) {
		return "", fmt.Errorf(
			"invalid %s: must start with alphanumeric and contain only [a-zA-Z0-9._-] (max 100 chars), got '%s'",
			name, v)
	}
	return v, nil
}

// NormalizeCategory lower-cases a category name and resolves aliases.
func NormalizeCategory(raw string, aliases map[string]string) string {
	cat := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := aliases[cat]; ok {
		return mapped
	}
	return cat
}

// IsRecommendedCategory reports whether cat is a well-known category or an
// explicitly custom ("x_"-prefixed) one.
func IsRecommendedCategory(cat string) bool {
	for _, c := range RecommendedCategories {
		if cat == c {
			return true
		}
	}
	return strings.HasPrefix(cat, "x_")
}

// IsValidType reports whether t belongs to the closed type enumeration.
func IsValidType(t string) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// KVPairs is an insertion-ordered set of key=value pairs parsed from an
// entry's content. Order matters when pairs are re-serialized after a merge.
type KVPairs struct {
	keys   []string
	values map[string]string
}

// NewKVPairs returns an empty ordered pair set.
func NewKVPairs() KVPairs {
	return KVPairs{values: make(map[string]string)}
}

// ParseKV parses "key=value | key=value" content into ordered pairs. Keys
// are lower-cased; segments without an equals sign are ignored.
func ParseKV(content string) KVPairs {
	var pairs KVPairs
	for _, segment := range strings.Split(content, "|") {
		segment = strings.TrimSpace(segment)
		k, v, found := strings.Cut(segment, "=")
		if !found {
			continue
		}
		pairs.Set(strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v))
	}
	return pairs
}

// Len returns the number of distinct keys.
func (p KVPairs) Len() int { return len(p.keys) }

// Keys returns the keys in insertion order.
func (p KVPairs) Keys() []string { return p.keys }

// Get returns the value for a key, or "" if absent.
func (p KVPairs) Get(key string) string { return p.values[key] }

// Lookup returns the value for a key and whether it is present.
func (p KVPairs) Lookup(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether the key is present.
func (p KVPairs) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Set updates a key's value, appending the key when it is new.
func (p *KVPairs) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Map returns a plain map copy of the pairs.
func (p KVPairs) Map() map[string]string {
	if len(p.keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.keys))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Join re-serializes the pairs as "key=value | key=value" in insertion order.
func (p KVPairs) Join() string {
	parts := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		parts = append(parts, k+"="+p.values[k])
	}
	return strings.Join(parts, " | ")
}

// ParseMetadataJSON parses the raw metadata argument, which must be a JSON
// object of at most MaxMetadataBytes bytes. The second return value is a
// descriptive error text, empty on success.
func ParseMetadataJSON(raw string) (Metadata, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Metadata{}, ""
	}
	if len(raw) > MaxMetadataBytes {
		return Metadata{}, fmt.Sprintf("Error: metadata too large (%d bytes, max %d)", len(raw), MaxMetadataBytes)
	}
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return Metadata{}, "Error: invalid metadata JSON"
	}
	if _, ok := probe.(map[string]any); !ok {
		return Metadata{}, fmt.Sprintf("Error: metadata must be a JSON object, got %s", jsonTypeName(probe))
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return Metadata{}, "Error: invalid metadata JSON"
	}
	return meta, ""
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
