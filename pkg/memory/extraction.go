package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ModelClient is the judgment subroutine behind extraction: pure text
// in, text out, mockable in tests. The acceptance policy lives here in
// the Extractor, not in the model.
type ModelClient interface {
	CompleteText(ctx context.Context, system, user string) (string, error)
}

// ExtractionConfig tunes the acceptance policy.
type ExtractionConfig struct {
	MinImportance int      // candidates judged below this are rejected
	MaxHistory    int      // bounded recent-history window, in turns
	FocusAreas    []string // persona focus hints appended to the prompt
}

// Extractor turns completed conversation turns into candidate entries.
type Extractor struct {
	client ModelClient
	cfg    ExtractionConfig
}

func NewExtractor(client ModelClient, cfg ExtractionConfig) *Extractor {
	if cfg.MinImportance <= 0 {
		cfg.MinImportance = 2
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 6
	}
	return &Extractor{client: client, cfg: cfg}
}

const extractionSystemPrompt = `You are a memory extraction assistant. From the conversation excerpt, extract durable facts about the user worth remembering across sessions: personal details, preferences, significant events, relationships, goals, habits, emotional states.

Return a JSON array only. Each item has:
- "content": a complete, specific statement of the fact
- "category": one of personal/preference/event/relationship/goal/habit/emotion
- "importance": 0-10, 10 most important

Return [] when nothing is worth remembering. Do not invent facts.`

type rawCandidate struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
}

// ExtractTurn judges one completed turn, with a bounded recent-history
// window for context, and returns the accepted candidates. A model
// failure is reported as ErrExtractionUnavailable; callers treat it as
// "nothing extracted this turn", never as a chat failure.
func (e *Extractor) ExtractTurn(ctx context.Context, turn Turn, history []Turn) ([]Candidate, error) {
	if strings.TrimSpace(turn.UserText) == "" {
		return nil, nil
	}
	if e.client == nil {
		return e.accept(heuristicExtract(turn), turn.ID), nil
	}

	reply, err := e.client.CompleteText(ctx, e.systemPrompt(), e.transcript(turn, history))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
	}

	var raws []rawCandidate
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &raws); err != nil {
		// Model ignored the schema; fall back to heuristic capture so a
		// chatty reply does not cost the turn its memories.
		return e.accept(heuristicExtract(turn), turn.ID), nil
	}

	cands := make([]Candidate, 0, len(raws))
	for _, r := range raws {
		cat, ok := ParseCategory(r.Category)
		if !ok {
			continue
		}
		cands = append(cands, Candidate{
			Content:    r.Content,
			Category:   cat,
			Importance: r.Importance,
		})
	}
	return e.accept(cands, turn.ID), nil
}

// accept applies the acceptance policy: non-empty specific content, no
// greetings or filler, clamped importance at or above the threshold.
func (e *Extractor) accept(cands []Candidate, turnRef string) []Candidate {
	const maxPerTurn = 16

	seen := map[string]struct{}{}
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		c.Content = strings.TrimSpace(c.Content)
		if len(c.Content) < 4 || isTrivialContent(c.Content) {
			continue
		}
		c.Importance = ClampImportance(c.Importance)
		if c.Importance < e.cfg.MinImportance {
			continue
		}
		key := string(c.Category) + "|" + strings.ToLower(c.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c.SourceTurnRef = turnRef
		out = append(out, c)
		if len(out) >= maxPerTurn {
			break
		}
	}
	return out
}

func (e *Extractor) systemPrompt() string {
	prompt := extractionSystemPrompt
	if len(e.cfg.FocusAreas) > 0 {
		prompt += "\n\nPay particular attention to: " + strings.Join(e.cfg.FocusAreas, ", ") + "."
	}
	return prompt
}

func (e *Extractor) transcript(turn Turn, history []Turn) string {
	var b strings.Builder
	start := 0
	if len(history) > e.cfg.MaxHistory {
		start = len(history) - e.cfg.MaxHistory
	}
	for _, t := range history[start:] {
		writeTurn(&b, t)
	}
	writeTurn(&b, turn)
	return b.String()
}

func writeTurn(b *strings.Builder, t Turn) {
	if strings.TrimSpace(t.UserText) != "" {
		b.WriteString("User: " + strings.TrimSpace(t.UserText) + "\n")
	}
	if strings.TrimSpace(t.ReplyText) != "" {
		b.WriteString("Assistant: " + strings.TrimSpace(t.ReplyText) + "\n")
	}
}

var (
	trivialRegex  = regexp.MustCompile(`(?i)^(hi|hello|hey|yo|thanks?|thank you|ok(ay)?|sure|yes|no|bye|goodbye|good (morning|afternoon|evening|night))[.!?\s]*$`)
	questionRegex = regexp.MustCompile(`(?i)^\s*(what|why|how|when|where|who|can|could|would|do|does|did|is|are|am)\b`)

	nameRegex       = regexp.MustCompile(`(?i)\b(?:my name is|call me|i'm called)\s+([A-Za-z0-9 _\-]{2,50})`)
	preferenceRegex = regexp.MustCompile(`(?i)\b(i (?:really )?(?:like|love|prefer|enjoy|hate|dislike)\b[^.!?\n]{2,160})`)
	placeRegex      = regexp.MustCompile(`(?i)\b(?:i live in|i'm from|i am from)\s+([A-Za-z0-9 ,_\-/]{2,80})`)
	workRegex       = regexp.MustCompile(`(?i)\b(i (?:work|study)\b[^.!?\n]{2,160})`)
)

func isTrivialContent(content string) bool {
	return trivialRegex.MatchString(content)
}

// heuristicExtract is the no-model fallback: a few first-person
// patterns lifted straight from user phrasing. Questions are skipped
// so "do I like tea?" never becomes a stored preference.
func heuristicExtract(turn Turn) []Candidate {
	content := strings.TrimSpace(turn.UserText)
	if content == "" {
		return nil
	}
	if strings.Contains(content, "?") || questionRegex.MatchString(content) {
		return nil
	}

	var out []Candidate
	for _, m := range nameRegex.FindAllStringSubmatch(content, -1) {
		out = append(out, Candidate{
			Content:    "User's name is " + trimPhrase(m[1]),
			Category:   CategoryPersonal,
			Importance: 6,
		})
	}
	for _, m := range preferenceRegex.FindAllStringSubmatch(content, -1) {
		out = append(out, Candidate{
			Content:    "User said: " + trimPhrase(m[1]),
			Category:   CategoryPreference,
			Importance: 5,
		})
	}
	for _, m := range placeRegex.FindAllStringSubmatch(content, -1) {
		out = append(out, Candidate{
			Content:    "User lives in " + trimPhrase(m[1]),
			Category:   CategoryPersonal,
			Importance: 5,
		})
	}
	for _, m := range workRegex.FindAllStringSubmatch(content, -1) {
		out = append(out, Candidate{
			Content:    "User said: " + trimPhrase(m[1]),
			Category:   CategoryPersonal,
			Importance: 4,
		})
	}
	return out
}

func trimPhrase(s string) string {
	return strings.Trim(strings.TrimSpace(s), " .,!?:;\"'")
}

// stripCodeFence removes the ```json fences models wrap around output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
