package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/JrmHsr/pimemento/internal/config"
)

// Embedder produces a vector embedding for a piece of text. A nil Embedder
// degrades search and dedup to their exact-match tiers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service implements the five memory operations over a Store. All methods
// return human-readable text: validation problems come back as "Error: ..."
// strings with a nil error, while storage and embedding faults are returned
// as Go errors.
type Service struct {
	store           Store
	embedder        Embedder
	limiter         *RateLimiter
	maxContentLen   int
	dedupThreshold  float32
	categoryAliases map[string]string
	logger          *log.Logger
}

// NewService wires a Service from a store, an optional embedder and the
// loaded configuration.
func NewService(store Store, embedder Embedder, cfg config.Config) *Service {
	return &Service{
		store:           store,
		embedder:        embedder,
		limiter:         NewRateLimiter(cfg.SaveRateLimit, time.Duration(cfg.SaveRateWindow)*time.Second),
		maxContentLen:   cfg.MaxContentLen,
		dedupThreshold:  float32(cfg.DedupThreshold),
		categoryAliases: map[string]string{},
		logger:          log.WithPrefix("memory.service"),
	}
}

// SaveRequest carries the parameters of a save operation. Zero-value
// identifier fields fall back to the tenant sentinels.
type SaveRequest struct {
	Category  string
	Type      string
	Content   string
	Reason    string
	ClientID  string
	UserID    string
	Namespace string
	SourceMCP string
	TTLDays   int
	Metadata  Metadata
}

// Save validates, rate-limits and persists an entry, merging it into an
// existing duplicate when one is found.
func (s *Service) Save(ctx context.Context, req SaveRequest) (string, error) {
	clientID, err := ValidateIdentifier("client_id", req.ClientID, DefaultClientID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	userID, err := ValidateIdentifier("user_id", req.UserID, AnonymousUserID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	namespace, err := ValidateIdentifier("namespace", req.Namespace, DefaultNamespace)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	namespace = strings.ToLower(namespace)

	if msg := s.limiter.Check(clientID); msg != "" {
		s.logger.Warn("save rejected by rate limiter", "client", clientID)
		return msg, nil
	}

	t := strings.ToLower(strings.TrimSpace(req.Type))
	if !IsValidType(t) {
		return fmt.Sprintf("Error: type '%s' invalid. Accepted: %s",
			req.Type, strings.Join(ValidTypes, ", ")), nil
	}

	cat := NormalizeCategory(req.Category, s.categoryAliases)
	content := strings.TrimSpace(req.Content)
	reason := strings.TrimSpace(req.Reason)

	if cat == "" {
		return fmt.Sprintf("Error: category required. Recommended: %s",
			strings.Join(RecommendedCategories, ", ")), nil
	}
	if content == "" {
		return "Error: content required.", nil
	}
	if reason == "" {
		return "Error: reason required.", nil
	}
	reason = truncate(reason, MaxReasonLen)

	// Soft warnings travel with the success response instead of rejecting.
	warnings := ""
	if !IsRecommendedCategory(cat) {
		warnings += fmt.Sprintf(" (category '%s' non-standard -- use x_ prefix for custom)", cat)
	}
	if !strings.Contains(content, "=") {
		warnings += " (no key=value detected -- recommended format: key=value | key=value)"
	}
	if n := utf8.RuneCountInString(content); n > s.maxContentLen {
		warnings += fmt.Sprintf(" (truncated from %d to %d chars)", n, s.maxContentLen)
		content = truncate(content, s.maxContentLen)
	}

	parsedKV := ParseKV(content)

	entry := NewEntry()
	entry.ClientID = clientID
	entry.UserID = userID
	entry.Namespace = namespace
	entry.Content = content
	entry.Metadata = req.Metadata.WithKV(parsedKV.Map())
	entry.Category = cat
	entry.Type = t
	entry.Reason = reason
	entry.SourceMCP = req.SourceMCP
	if req.TTLDays > 0 {
		exp := entry.CreatedAt.Add(time.Duration(req.TTLDays) * 24 * time.Hour)
		entry.ExpiresAt = &exp
	}

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return "", fmt.Errorf("failed to embed content: %w", err)
		}
		entry.Embedding = vec
	}

	duplicates, err := s.store.FindDuplicates(ctx, entry, s.dedupThreshold)
	if err != nil {
		return "", fmt.Errorf("failed to check duplicates: %w", err)
	}

	if len(duplicates) > 0 {
		existing := duplicates[0].Entry
		score := duplicates[0].Score
		prevDate := existing.UpdatedAt.UTC().Format("2006-01-02")

		res := MergeEntries(existing, entry, s.maxContentLen)
		if _, err := s.store.Save(ctx, res.Entry); err != nil {
			return "", fmt.Errorf("failed to save merged entry: %w", err)
		}
		s.logger.Debug("merged duplicate entry",
			"client", clientID, "id", res.Entry.ID, "score", score, "shared", len(res.SharedKeys))

		var mergeInfo string
		if len(res.SharedKeys) > 0 {
			mergeInfo = "keys: " + strings.Join(res.SharedKeys, ", ")
			if len(res.Changes) > 0 {
				prevUser := ""
				if res.Entry.UserID != "" && res.Entry.UserID != AnonymousUserID {
					prevUser = " @" + res.Entry.UserID
				}
				mergeInfo += fmt.Sprintf(" | changed: %s (was%s %s)",
					strings.Join(res.Changes, ", "), prevUser, prevDate)
			}
		} else {
			mergeInfo = fmt.Sprintf("semantic: %.2f", score)
		}
		return fmt.Sprintf("Updated (%s).%s\n%s | %s", mergeInfo, warnings, cat, t), nil
	}

	if _, err := s.store.Save(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to save entry: %w", err)
	}
	return fmt.Sprintf("Saved.%s\n%s | %s", warnings, cat, t), nil
}

// Get lists entries for a tenant, newest first, with conflict annotations.
func (s *Service) Get(ctx context.Context, clientID, userID, namespace, category, entryType string, limit int) (string, error) {
	clientID, err := ValidateIdentifier("client_id", clientID, DefaultClientID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	userID, err = ValidateIdentifier("user_id", userID, "")
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	namespace, err = ValidateIdentifier("namespace", namespace, "")
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	f := Filters{
		UserID:    userID,
		Namespace: strings.ToLower(namespace),
		Category:  NormalizeCategory(category, s.categoryAliases),
		Type:      strings.ToLower(strings.TrimSpace(entryType)),
	}
	entries, err := s.store.Get(ctx, clientID, f, limit)
	if err != nil {
		return "", fmt.Errorf("failed to get entries: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No memory for '%s'.", clientID), nil
	}

	lines := []string{fmt.Sprintf("Memory '%s' (%d):", clientID, len(entries))}
	now := time.Now().UTC()
	for _, e := range entries {
		ns := e.Namespace
		if ns == "" {
			ns = DefaultNamespace
		}
		ttlMark := ""
		if e.ExpiresAt != nil {
			remaining := int(e.ExpiresAt.Sub(now).Hours() / 24)
			ttlMark = fmt.Sprintf(" [%dd]", remaining)
		}
		lines = append(lines, fmt.Sprintf("%s %s | %s/%s | %s%s%s",
			e.UpdatedAt.UTC().Format("2006-01-02"), strings.ToUpper(e.Type),
			ns, e.Category, e.Content, ttlMark, userMark(e.UserID)))
	}

	if conflicts := DetectConflicts(entries); len(conflicts) > 0 {
		lines = append(lines, "---")
		lines = append(lines, conflicts...)
	}
	return strings.Join(lines, "\n"), nil
}

// Delete removes the most recent entry whose content contains contentMatch.
func (s *Service) Delete(ctx context.Context, clientID, contentMatch, userID, namespace, category string) (string, error) {
	clientID, err := ValidateIdentifier("client_id", clientID, DefaultClientID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	cm := strings.TrimSpace(contentMatch)
	if cm == "" {
		return "Error: content_match required.", nil
	}

	f := Filters{
		UserID:    strings.TrimSpace(userID),
		Namespace: strings.ToLower(strings.TrimSpace(namespace)),
		Category:  NormalizeCategory(category, s.categoryAliases),
	}
	removed, err := s.store.Delete(ctx, clientID, cm, f)
	if err != nil {
		return "", fmt.Errorf("failed to delete entry: %w", err)
	}
	if removed == nil {
		return fmt.Sprintf("No entry containing '%s' found.", contentMatch), nil
	}
	return fmt.Sprintf("Deleted: %s", removed.Content), nil
}

// Status returns a one-line summary of a tenant's memory.
func (s *Service) Status(ctx context.Context, clientID, userID, namespace string) (string, error) {
	clientID, err := ValidateIdentifier("client_id", clientID, DefaultClientID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	userID, err = ValidateIdentifier("user_id", userID, "")
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	namespace, err = ValidateIdentifier("namespace", namespace, "")
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	sum, err := s.store.Status(ctx, clientID, Filters{UserID: userID, Namespace: strings.ToLower(namespace)})
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	if sum.Count == 0 {
		return fmt.Sprintf("No memory for '%s'.", clientID), nil
	}

	ttlStr := ""
	if sum.TTLCount > 0 {
		ttlStr = fmt.Sprintf(" | %d with TTL", sum.TTLCount)
	}
	return fmt.Sprintf("'%s': %d entries | ns: %s | cat: %s | %s -> %s%s",
		clientID, sum.Count,
		strings.Join(sum.Namespaces, ", "), strings.Join(sum.Categories, ", "),
		sum.Oldest, sum.Newest, ttlStr), nil
}

// Search runs the store's best available search tier for the query.
func (s *Service) Search(ctx context.Context, query, clientID, userID, namespace string, limit int) (string, error) {
	clientID, err := ValidateIdentifier("client_id", clientID, DefaultClientID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return "Error: query required.", nil
	}
	q = truncate(q, MaxQueryLen)

	var queryEmbedding []float32
	if s.embedder != nil {
		queryEmbedding, err = s.embedder.Embed(ctx, q)
		if err != nil {
			return "", fmt.Errorf("failed to embed query: %w", err)
		}
	}

	f := Filters{
		UserID:    strings.TrimSpace(userID),
		Namespace: strings.ToLower(strings.TrimSpace(namespace)),
	}
	results, err := s.store.Search(ctx, q, clientID, f, clampLimit(limit, 50), queryEmbedding)
	if err != nil {
		return "", fmt.Errorf("failed to search entries: %w", err)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results for '%s'.", query), nil
	}

	lines := []string{fmt.Sprintf("Search '%s' (%d results):", query, len(results))}
	entries := make([]Entry, 0, len(results))
	for _, r := range results {
		entries = append(entries, r.Entry)
		scoreStr := "match"
		if r.Score < 1.0 {
			scoreStr = fmt.Sprintf("%.2f", r.Score)
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %s | %s/%s | %s%s",
			scoreStr, r.Entry.UpdatedAt.UTC().Format("2006-01-02"), strings.ToUpper(r.Entry.Type),
			r.Entry.Namespace, r.Entry.Category, r.Entry.Content, userMark(r.Entry.UserID)))
	}

	if conflicts := DetectConflicts(entries); len(conflicts) > 0 {
		lines = append(lines, "---")
		lines = append(lines, conflicts...)
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}

func userMark(userID string) string {
	if userID == "" || userID == AnonymousUserID {
		return ""
	}
	return " @" + userID
}
