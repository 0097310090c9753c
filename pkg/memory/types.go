package memory

import "time"

// Category classifies a stored fact. The set is closed; unknown values
// from the model are mapped through ParseCategory before storage.
type Category string

const (
	CategoryPersonal     Category = "personal"
	CategoryPreference   Category = "preference"
	CategoryEvent        Category = "event"
	CategoryRelationship Category = "relationship"
	CategoryGoal         Category = "goal"
	CategoryHabit        Category = "habit"
	CategoryEmotion      Category = "emotion"
)

// Categories lists every valid category, in display order.
func Categories() []Category {
	return []Category{
		CategoryPersonal,
		CategoryPreference,
		CategoryEvent,
		CategoryRelationship,
		CategoryGoal,
		CategoryHabit,
		CategoryEmotion,
	}
}

// ParseCategory maps free-form model output onto the closed set.
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryPersonal, CategoryPreference, CategoryEvent,
		CategoryRelationship, CategoryGoal, CategoryHabit, CategoryEmotion:
		return Category(s), true
	}
	// Aliases the model tends to emit.
	switch s {
	case "personal-fact", "identity", "fact":
		return CategoryPersonal, true
	case "like", "dislike", "interest":
		return CategoryPreference, true
	case "date", "experience":
		return CategoryEvent, true
	case "plan", "target":
		return CategoryGoal, true
	case "routine":
		return CategoryHabit, true
	case "feeling", "mood":
		return CategoryEmotion, true
	}
	return "", false
}

// Importance bounds. Values outside the range are clamped on write,
// never rejected.
const (
	MinImportance = 0
	MaxImportance = 10
)

// ClampImportance forces a score into the declared range.
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// Entry is a single durable fact extracted from conversation.
type Entry struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Category      Category  `json:"category"`
	Importance    int       `json:"importance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	SourceTurnRef string    `json:"source_turn_ref,omitempty"`
}

// Draft is the caller-supplied part of an entry; the store assigns
// identity and timestamps.
type Draft struct {
	Content       string
	Category      Category
	Importance    int
	SourceTurnRef string
}

// Patch carries partial updates for an existing entry. Nil fields are
// left unchanged.
type Patch struct {
	Content    *string
	Category   *Category
	Importance *int
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Category      Category
	MinImportance int
}

// Candidate is an extraction result not yet reconciled with the store.
type Candidate struct {
	Content       string
	Category      Category
	Importance    int
	SourceTurnRef string
}

// Turn is one completed user/assistant exchange.
type Turn struct {
	ID        string
	UserText  string
	ReplyText string
}

// CandidateOutcome records what the write pipeline did with one candidate.
type CandidateOutcome string

const (
	OutcomeInserted CandidateOutcome = "inserted"
	OutcomeMerged   CandidateOutcome = "merged"
	OutcomeRejected CandidateOutcome = "rejected"
)

// PipelineReport summarizes a single extraction-to-persistence run.
type PipelineReport struct {
	Extracted int
	Inserted  int
	Merged    int
	Rejected  int
	Persisted bool
	Outcomes  map[string]CandidateOutcome // candidate content -> outcome
}

// ScoredEntry pairs an entry with its retrieval relevance score.
type ScoredEntry struct {
	Entry Entry
	Score float64
}

// RetrievalOptions controls ranking behavior. Now is fixed by the
// caller so repeated calls over identical state are deterministic.
type RetrievalOptions struct {
	MaxItems         int
	TokenBudget      int
	Now              time.Time
	RecencyHalfLife  time.Duration
	LexicalWeight    float64
	ImportanceWeight float64
	RecencyWeight    float64
}
