package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/koemi-app/koemi/pkg/logger"
)

// ManagerConfig tunes dedup, retrieval and eviction policy. Zero
// values fall back to the defaults applied in NewManager.
type ManagerConfig struct {
	SimilarityThreshold float64
	MaxRecallItems      int
	RecallTokenBudget   int
	LexicalWeight       float64
	ImportanceWeight    float64
	RecencyWeight       float64
	Eviction            EvictionPolicy
}

// EvictionPolicy configures the optional low-importance eviction pass.
type EvictionPolicy struct {
	Enabled      bool
	Schedule     string // cron expression, evaluated with gronx
	MaxEntries   int
	MinKeepScore int // entries below this importance are eviction candidates
}

// Manager orchestrates the write path (extract, dedup/merge, persist)
// and the read path (retrieve, rank, format), and exposes the CRUD
// surface used for manual editing. Writes are serialized; reads see a
// consistent snapshot through the store.
type Manager struct {
	store     *Store
	extractor *Extractor
	ranker    *Ranker
	cfg       ManagerConfig

	writeMu sync.Mutex
	cron    *gronx.Gronx
	lastRun time.Time
}

func NewManager(store *Store, extractor *Extractor, cfg ManagerConfig) *Manager {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.6
	}
	if cfg.MaxRecallItems <= 0 {
		cfg.MaxRecallItems = 8
	}
	if cfg.RecallTokenBudget <= 0 {
		cfg.RecallTokenBudget = 512
	}
	return &Manager{
		store:     store,
		extractor: extractor,
		ranker:    NewRanker(store),
		cfg:       cfg,
		cron:      gronx.New(),
	}
}

// RememberTurn runs the full pipeline for one completed turn:
// Pending -> Extracted -> {Merged | Inserted | Rejected} -> Persisted.
// Extraction failure is absorbed here: it is logged and reported as
// zero candidates so the chat turn is never disturbed. Any store
// failure before Persisted rolls the working set back to the prior
// persisted state.
func (m *Manager) RememberTurn(ctx context.Context, turn Turn, history []Turn) (PipelineReport, error) {
	report := PipelineReport{Outcomes: map[string]CandidateOutcome{}}

	cands, err := m.extractor.ExtractTurn(ctx, turn, history)
	if err != nil {
		if errors.Is(err, ErrExtractionUnavailable) {
			logger.WarnCF("memory", "extraction unavailable, skipping turn", map[string]interface{}{
				"turn_id": turn.ID,
				"error":   err.Error(),
			})
			return report, nil
		}
		return report, err
	}
	report.Extracted = len(cands)
	if len(cands) == 0 {
		return report, nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for _, c := range cands {
		outcome, err := m.reconcile(ctx, c)
		if err != nil {
			m.rollback(ctx)
			return report, fmt.Errorf("reconcile candidate: %w", err)
		}
		report.Outcomes[c.Content] = outcome
		switch outcome {
		case OutcomeInserted:
			report.Inserted++
		case OutcomeMerged:
			report.Merged++
		case OutcomeRejected:
			report.Rejected++
		}
	}

	if report.Inserted+report.Merged > 0 {
		if err := m.store.Persist(ctx); err != nil {
			m.rollback(ctx)
			return report, fmt.Errorf("persist memories: %w", err)
		}
	}
	report.Persisted = true

	logger.InfoCF("memory", "turn remembered", map[string]interface{}{
		"turn_id":  turn.ID,
		"inserted": report.Inserted,
		"merged":   report.Merged,
		"rejected": report.Rejected,
	})
	return report, nil
}

// reconcile merges a candidate into an existing near-duplicate of the
// same category, or inserts it as a new entry. The merge keeps the
// higher importance and prefers the longer, more specific statement.
func (m *Manager) reconcile(ctx context.Context, c Candidate) (CandidateOutcome, error) {
	existing, err := m.findNearDuplicate(ctx, c)
	if err != nil {
		return OutcomeRejected, err
	}
	if existing == nil {
		_, err := m.store.Create(ctx, Draft{
			Content:       c.Content,
			Category:      c.Category,
			Importance:    c.Importance,
			SourceTurnRef: c.SourceTurnRef,
		})
		if err != nil {
			if errors.Is(err, ErrValidation) {
				return OutcomeRejected, nil
			}
			return OutcomeRejected, err
		}
		return OutcomeInserted, nil
	}

	content := existing.Content
	if len(c.Content) > len(content) {
		content = c.Content
	}
	importance := existing.Importance
	if ClampImportance(c.Importance) > importance {
		importance = ClampImportance(c.Importance)
	}
	_, err = m.store.Update(ctx, existing.ID, Patch{
		Content:    &content,
		Importance: &importance,
	})
	if err != nil {
		return OutcomeRejected, err
	}
	return OutcomeMerged, nil
}

func (m *Manager) findNearDuplicate(ctx context.Context, c Candidate) (*Entry, error) {
	entries, err := m.store.List(ctx, ListFilter{Category: c.Category})
	if err != nil {
		return nil, err
	}
	var best *Entry
	bestSim := 0.0
	for i := range entries {
		sim := contentSimilarity(c.Content, entries[i].Content)
		if sim >= m.cfg.SimilarityThreshold && sim > bestSim {
			best = &entries[i]
			bestSim = sim
		}
	}
	return best, nil
}

// rollback restores the prior persisted state after a failed pipeline
// run so no half-applied candidate set survives.
func (m *Manager) rollback(ctx context.Context) {
	if err := m.store.Reload(ctx); err != nil {
		logger.ErrorCF("memory", "rollback reload failed", map[string]interface{}{"error": err.Error()})
	}
}

// Retrieve ranks stored memories against the current context. Fixed
// options derive from config; now is pinned per call for deterministic
// ordering. Degrades to an empty result on any store trouble.
func (m *Manager) Retrieve(ctx context.Context, query string, now time.Time) []ScoredEntry {
	return m.ranker.Rank(ctx, query, RetrievalOptions{
		MaxItems:         m.cfg.MaxRecallItems,
		TokenBudget:      m.cfg.RecallTokenBudget,
		Now:              now,
		LexicalWeight:    m.cfg.LexicalWeight,
		ImportanceWeight: m.cfg.ImportanceWeight,
		RecencyWeight:    m.cfg.RecencyWeight,
	})
}

// PromptContext formats the retrieval result for prompt injection.
// Empty string when there is nothing relevant to say.
func (m *Manager) PromptContext(ctx context.Context, query string, now time.Time) string {
	return FormatPromptBlock(m.Retrieve(ctx, query, now))
}

// Manual CRUD surface for the editing interface. Each mutation is
// persisted immediately; a failed persist rolls back to prior state so
// the on-disk file never holds a partial write set.

func (m *Manager) CreateEntry(ctx context.Context, d Draft) (Entry, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	e, err := m.store.Create(ctx, d)
	if err != nil {
		return Entry{}, err
	}
	if err := m.store.Persist(ctx); err != nil {
		m.rollback(ctx)
		return Entry{}, err
	}
	return e, nil
}

func (m *Manager) GetEntry(ctx context.Context, id string) (Entry, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) ListEntries(ctx context.Context, f ListFilter) ([]Entry, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) SearchEntries(ctx context.Context, keyword string) ([]Entry, error) {
	return m.store.Search(ctx, keyword)
}

func (m *Manager) UpdateEntry(ctx context.Context, id string, p Patch) (Entry, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	e, err := m.store.Update(ctx, id, p)
	if err != nil {
		return Entry{}, err
	}
	if err := m.store.Persist(ctx); err != nil {
		m.rollback(ctx)
		return Entry{}, err
	}
	return e, nil
}

func (m *Manager) DeleteEntry(ctx context.Context, id string) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	deleted, err := m.store.Delete(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	if err := m.store.Persist(ctx); err != nil {
		m.rollback(ctx)
		return false, err
	}
	return true, nil
}

// Summary aggregates store statistics for display.
type Summary struct {
	Total      int
	ByCategory map[Category]int
	Recent     []Entry
}

func (m *Manager) Summarize(ctx context.Context) (Summary, error) {
	entries, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Total: len(entries), ByCategory: map[Category]int{}}
	for _, e := range entries {
		sum.ByCategory[e.Category]++
	}
	if len(entries) > 5 {
		entries = entries[:5]
	}
	sum.Recent = entries
	return sum, nil
}

// EvictDue runs the low-importance eviction pass when the configured
// cron schedule fires for the given instant. Returns the number of
// entries removed.
func (m *Manager) EvictDue(ctx context.Context, now time.Time) (int, error) {
	if !m.cfg.Eviction.Enabled {
		return 0, nil
	}
	due, err := m.cron.IsDue(m.cfg.Eviction.Schedule, now)
	if err != nil {
		return 0, fmt.Errorf("eviction schedule %q: %w", m.cfg.Eviction.Schedule, err)
	}
	if !due || now.Truncate(time.Minute).Equal(m.lastRun) {
		return 0, nil
	}
	m.lastRun = now.Truncate(time.Minute)
	return m.Evict(ctx)
}

// Evict removes the lowest-importance, least recently updated entries
// below MinKeepScore until the store fits MaxEntries.
func (m *Manager) Evict(ctx context.Context) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	max := m.cfg.Eviction.MaxEntries
	if max <= 0 {
		return 0, nil
	}
	entries, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return 0, err
	}
	over := len(entries) - max
	if over <= 0 {
		return 0, nil
	}

	// List order is newest first; walk from the tail so the oldest,
	// least important entries go first.
	removed := 0
	for i := len(entries) - 1; i >= 0 && removed < over; i-- {
		if entries[i].Importance >= m.cfg.Eviction.MinKeepScore {
			continue
		}
		if _, err := m.store.Delete(ctx, entries[i].ID); err != nil {
			m.rollback(ctx)
			return 0, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := m.store.Persist(ctx); err != nil {
		m.rollback(ctx)
		return 0, err
	}
	logger.InfoCF("memory", "eviction pass complete", map[string]interface{}{"removed": removed})
	return removed, nil
}
