package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend persists the full entry set as one durable snapshot. Load may
// return partial data together with a *CorruptionError describing the
// records it had to skip; callers surface that error instead of
// swallowing it.
type Backend interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, entries map[string]Entry) error
	Close() error
}

// Store is the record store: durable CRUD over entries with no opinion
// about relevance or duplication. Mutations accumulate in memory;
// Persist is the crash-durability boundary and Reload discards anything
// not yet persisted.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	entries map[string]Entry

	nowFn func() time.Time
	newID func() string
}

// Open loads the backend's current snapshot into a new store. When the
// backend reports partial corruption the store is still returned,
// holding the readable records, alongside the *CorruptionError.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{
		backend: backend,
		entries: map[string]Entry{},
		nowFn:   time.Now,
		newID:   func() string { return "mem-" + uuid.NewString() },
	}
	err := s.Reload(ctx)
	if err != nil && s.entries == nil {
		return nil, err
	}
	return s, err
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Create validates the draft, assigns identity and timestamps, and adds
// the entry to the working set.
func (s *Store) Create(ctx context.Context, d Draft) (Entry, error) {
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return Entry{}, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if _, ok := ParseCategory(string(d.Category)); !ok {
		return Entry{}, fmt.Errorf("%w: unknown category %q", ErrValidation, d.Category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	e := Entry{
		ID:            s.newID(),
		Content:       content,
		Category:      d.Category,
		Importance:    ClampImportance(d.Importance),
		CreatedAt:     now,
		UpdatedAt:     now,
		SourceTurnRef: d.SourceTurnRef,
	}
	s.entries[e.ID] = e
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns entries matching the filter, ordered by updated_at
// descending with ties broken by id ascending.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if e.Importance < f.MinImportance {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Search returns entries whose content contains the keyword,
// case-insensitively, in List order.
func (s *Store) Search(ctx context.Context, keyword string) ([]Entry, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return s.List(ctx, ListFilter{})
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Entry{}
	for _, e := range s.entries {
		if strings.Contains(strings.ToLower(e.Content), keyword) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Update applies non-nil patch fields. updated_at is bumped only when a
// field actually changes.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	changed := false
	if p.Content != nil {
		content := strings.TrimSpace(*p.Content)
		if content == "" {
			return Entry{}, fmt.Errorf("%w: content is empty", ErrValidation)
		}
		if content != e.Content {
			e.Content = content
			changed = true
		}
	}
	if p.Category != nil {
		if _, ok := ParseCategory(string(*p.Category)); !ok {
			return Entry{}, fmt.Errorf("%w: unknown category %q", ErrValidation, *p.Category)
		}
		if *p.Category != e.Category {
			e.Category = *p.Category
			changed = true
		}
	}
	if p.Importance != nil {
		imp := ClampImportance(*p.Importance)
		if imp != e.Importance {
			e.Importance = imp
			changed = true
		}
	}

	if changed {
		e.UpdatedAt = s.nowFn()
	}
	s.entries[id] = e
	return e, nil
}

// Delete removes an entry. Idempotent: returns false when the id was
// already absent, never an error for that case.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false, nil
	}
	delete(s.entries, id)
	return true, nil
}

// Count returns the number of entries in the working set.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Persist flushes the working set to the backend atomically: either the
// whole snapshot lands or the previously persisted state is retained.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e
	}
	return s.backend.Save(ctx, snapshot)
}

// Reload replaces the working set with the backend's persisted state,
// discarding unpersisted mutations. A *CorruptionError is returned (not
// swallowed) when records had to be skipped or the snapshot was
// unreadable; in the partial case the readable records are installed.
func (s *Store) Reload(ctx context.Context) error {
	entries, err := s.backend.Load(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries != nil {
		s.entries = entries
	}
	return err
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
}
