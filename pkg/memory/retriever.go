package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Ranker selects and orders stored entries for prompt injection. Given
// identical store state and options it always produces the same
// sequence; there is no hidden randomness and no wall-clock read when
// opts.Now is set.
type Ranker struct {
	store *Store
}

func NewRanker(store *Store) *Ranker {
	return &Ranker{store: store}
}

// Rank scores every stored entry against the query as a weighted blend
// of lexical overlap, importance and recency, then returns the top
// results within the configured count and token budget. An empty or
// unreadable store yields an empty sequence, never an error: retrieval
// is best-effort enrichment.
func (r *Ranker) Rank(ctx context.Context, query string, opts RetrievalOptions) []ScoredEntry {
	opts = withRetrievalDefaults(opts)

	entries, err := r.store.List(ctx, ListFilter{})
	if err != nil || len(entries) == 0 {
		return nil
	}

	query = strings.TrimSpace(query)
	scored := make([]ScoredEntry, 0, len(entries))
	for _, e := range entries {
		lexical := 0.0
		if query != "" {
			lexical = tokenJaccard(query, e.Content)
			if strings.Contains(strings.ToLower(e.Content), strings.ToLower(query)) {
				lexical = math.Min(1, lexical+0.25)
			}
		}
		importance := float64(e.Importance) / float64(MaxImportance)
		recency := recencyWeight(opts.Now, e.UpdatedAt, opts.RecencyHalfLife)

		score := opts.LexicalWeight*lexical +
			opts.ImportanceWeight*importance +
			opts.RecencyWeight*recency
		if query != "" && lexical == 0 && e.Importance < 8 {
			// Unrelated low-value entries stay out of the prompt even
			// when recency alone would score them.
			continue
		}
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredEntry{Entry: e, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Entry.Importance != scored[j].Entry.Importance {
			return scored[i].Entry.Importance > scored[j].Entry.Importance
		}
		if !scored[i].Entry.UpdatedAt.Equal(scored[j].Entry.UpdatedAt) {
			return scored[i].Entry.UpdatedAt.After(scored[j].Entry.UpdatedAt)
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})

	if len(scored) > opts.MaxItems {
		scored = scored[:opts.MaxItems]
	}
	return truncateToBudget(scored, opts.TokenBudget)
}

func withRetrievalDefaults(opts RetrievalOptions) RetrievalOptions {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 8
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 512
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = 14 * 24 * time.Hour
	}
	if opts.LexicalWeight == 0 && opts.ImportanceWeight == 0 && opts.RecencyWeight == 0 {
		opts.LexicalWeight = 0.5
		opts.ImportanceWeight = 0.3
		opts.RecencyWeight = 0.2
	}
	return opts
}

func recencyWeight(now, seen time.Time, halfLife time.Duration) float64 {
	delta := now.Sub(seen)
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-math.Ln2 * float64(delta) / float64(halfLife))
}

func truncateToBudget(scored []ScoredEntry, budget int) []ScoredEntry {
	used := 0
	for i, s := range scored {
		tokens := estimateTokens(s.Entry.Content)
		if used+tokens > budget && i > 0 {
			return scored[:i]
		}
		used += tokens
	}
	return scored
}

// FormatPromptBlock renders ranked entries as the markdown block that
// gets prepended to the model's system prompt.
func FormatPromptBlock(scored []ScoredEntry) string {
	if len(scored) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Remembered facts\n")
	for _, s := range scored {
		fmt.Fprintf(&b, "- [%s] %s (importance %d)\n",
			s.Entry.Category, strings.TrimSpace(s.Entry.Content), s.Entry.Importance)
	}
	return strings.TrimSpace(b.String())
}
