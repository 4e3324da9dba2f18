package memory

import (
	"fmt"
	"sort"
	"time"
)

// MergeResult reports how an incoming entry was folded into an existing one.
type MergeResult struct {
	Entry      Entry
	SharedKeys []string
	Changes    []string // "key old->new" per shared key whose value changed
}

// MergeEntries folds incoming into existing and returns the merged entry,
// which keeps the existing id. When both contents carry key=value structure
// the keys are unioned with incoming values winning on shared keys; in every
// other case the incoming content replaces the existing one. Descriptive
// fields are overwritten by the incoming entry; metadata is merged shallowly
// with the kv sub-map merged one level deeper.
func MergeEntries(existing, incoming Entry, maxContentLen int) MergeResult {
	res := MergeResult{}

	existingKV := ParseKV(existing.Content)
	incomingKV := ParseKV(incoming.Content)

	if existingKV.Len() > 0 && incomingKV.Len() > 0 {
		merged := NewKVPairs()
		for _, k := range existingKV.Keys() {
			merged.Set(k, existingKV.Get(k))
		}
		for _, k := range incomingKV.Keys() {
			if old, ok := existingKV.Lookup(k); ok {
				res.SharedKeys = append(res.SharedKeys, k)
				if old != incomingKV.Get(k) {
					res.Changes = append(res.Changes, fmt.Sprintf("%s %s->%s", k, old, incomingKV.Get(k)))
				}
			}
			merged.Set(k, incomingKV.Get(k))
		}
		existing.Content = truncate(merged.Join(), maxContentLen)
	} else {
		// Semantic match or one-sided structure: newer content wins.
		existing.Content = incoming.Content
	}

	existing.Category = incoming.Category
	existing.Type = incoming.Type
	existing.Reason = incoming.Reason
	existing.UpdatedAt = incoming.UpdatedAt
	existing.ExpiresAt = incoming.ExpiresAt
	existing.Metadata = existing.Metadata.Merge(incoming.Metadata)
	if incoming.SourceMCP != "" {
		existing.SourceMCP = incoming.SourceMCP
	}
	if incoming.ID != "" && incoming.ID != existing.ID && !contains(existing.MergedFrom, incoming.ID) {
		existing.MergedFrom = append(existing.MergedFrom, incoming.ID)
	}
	if len(incoming.Embedding) > 0 {
		existing.Embedding = incoming.Embedding
	}

	sort.Strings(res.SharedKeys)
	res.Entry = existing
	return res
}

// DetectConflicts scans entries for keys that appear with more than one
// value. For each such key the most recent value is reported as current and
// the newest older, differing value as previous. Keys are reported in first
// appearance order across the entries.
func DetectConflicts(entries []Entry) []string {
	type record struct {
		value string
		date  time.Time
		user  string
	}
	records := make(map[string][]record)
	var keyOrder []string

	for _, e := range entries {
		kv := ParseKV(e.Content)
		user := e.UserID
		if user == "" {
			user = AnonymousUserID
		}
		for _, k := range kv.Keys() {
			if _, seen := records[k]; !seen {
				keyOrder = append(keyOrder, k)
			}
			records[k] = append(records[k], record{value: kv.Get(k), date: e.UpdatedAt, user: user})
		}
	}

	var conflicts []string
	for _, key := range keyOrder {
		recs := records[key]
		distinct := make(map[string]bool)
		for _, r := range recs {
			distinct[r.value] = true
		}
		if len(distinct) < 2 {
			continue
		}
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].date.After(recs[j].date)
		})
		latest := recs[0]
		for _, older := range recs[1:] {
			if older.value == latest.value {
				continue
			}
			userInfo := ""
			if older.user != AnonymousUserID {
				userInfo = " @" + older.user
			}
			conflicts = append(conflicts, fmt.Sprintf(
				"CONFLICT %s: current=%s (%s), previous=%s (%s%s)",
				key, latest.value, latest.date.UTC().Format("2006-01-02"),
				older.value, older.date.UTC().Format("2006-01-02"), userInfo,
			))
			break
		}
	}
	return conflicts
}

// truncate cuts s to at most max characters, never splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
