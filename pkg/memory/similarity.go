package memory

import "strings"

// stopwords are dropped during tokenization so that filler words do not
// inflate overlap between unrelated statements.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "their": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {},
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 0x80)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// tokenJaccard measures token-set overlap between two texts in [0, 1].
func tokenJaccard(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// tokenContainment measures how much of the smaller token set is inside
// the larger one. Catches rephrasings like "blue is the user's favorite
// color" vs "user's favorite color is blue" that Jaccard already rates
// highly, and shorter/longer restatements that it does not.
func tokenContainment(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	small, large := sa, sb
	if len(sb) < len(sa) {
		small, large = sb, sa
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}

// contentSimilarity is the dedup metric: the max of Jaccard and
// containment, so both symmetric rephrasings and sub/superset
// statements count as near-duplicates.
func contentSimilarity(a, b string) float64 {
	j := tokenJaccard(a, b)
	c := tokenContainment(a, b)
	if c > j {
		return c
	}
	return j
}

// estimateTokens roughly approximates model tokens from rune count.
func estimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}
