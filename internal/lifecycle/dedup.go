package lifecycle

import (
	"sort"
	"time"
)

// ContextEntry is one accumulated workflow event considered for a composed
// context window.
type ContextEntry struct {
	ResourceID string                 `json:"resource_id"`
	EmittedAt  time.Time              `json:"emitted_at"`
	Content    string                 `json:"content,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DedupNewestFirst walks entries newest first and keeps only the first
// occurrence of each resource id, dropping older variants. The result is
// ordered newest first; for every id the survivor carries the greatest
// emitted_at in the input. Entries without a resource id are always kept.
// The function is idempotent.
func DedupNewestFirst(entries []ContextEntry) []ContextEntry {
	sorted := make([]ContextEntry, len(entries))
	copy(sorted, entries)
	// Stable sort keeps input order among equal timestamps.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EmittedAt.After(sorted[j].EmittedAt)
	})

	seen := make(map[string]struct{}, len(sorted))
	out := make([]ContextEntry, 0, len(sorted))
	for _, e := range sorted {
		if e.ResourceID == "" {
			out = append(out, e)
			continue
		}
		if _, dup := seen[e.ResourceID]; dup {
			continue
		}
		seen[e.ResourceID] = struct{}{}
		out = append(out, e)
	}
	return out
}
