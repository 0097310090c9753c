package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memBackend keeps snapshots in memory and can be told to fail saves,
// which is how the persistence failure paths get exercised.
type memBackend struct {
	snapshot map[string]Entry
	failSave bool
	saves    int
}

func newMemBackend() *memBackend {
	return &memBackend{snapshot: map[string]Entry{}}
}

func (b *memBackend) Load(ctx context.Context) (map[string]Entry, error) {
	out := make(map[string]Entry, len(b.snapshot))
	for id, e := range b.snapshot {
		out[id] = e
	}
	return out, nil
}

func (b *memBackend) Save(ctx context.Context, entries map[string]Entry) error {
	if b.failSave {
		return errors.New("disk full")
	}
	snap := make(map[string]Entry, len(entries))
	for id, e := range entries {
		snap[id] = e
	}
	b.snapshot = snap
	b.saves++
	return nil
}

func (b *memBackend) Close() error { return nil }

func newTestManager(t *testing.T, model ModelClient) (*Manager, *Store, *memBackend) {
	t.Helper()
	backend := newMemBackend()
	store, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mgr := NewManager(store, NewExtractor(model, ExtractionConfig{}), ManagerConfig{})
	return mgr, store, backend
}

func TestRememberTurnInsertsNewFact(t *testing.T) {
	ctx := context.Background()
	model := &stubModel{reply: `[{"content": "User is a nurse", "category": "personal", "importance": 7}]`}
	mgr, store, backend := newTestManager(t, model)

	report, err := mgr.RememberTurn(ctx, Turn{ID: "turn-1", UserText: "I work as a nurse"}, nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if report.Inserted != 1 || report.Merged != 0 || !report.Persisted {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Outcomes["User is a nurse"] != OutcomeInserted {
		t.Fatalf("outcome missing: %+v", report.Outcomes)
	}
	if store.Count() != 1 {
		t.Fatalf("store count: %d", store.Count())
	}
	// Persisted means the snapshot made it to the backend, not just the
	// working set.
	if len(backend.snapshot) != 1 {
		t.Fatalf("not persisted: %d entries in backend", len(backend.snapshot))
	}
}

func TestRememberTurnMergesNearDuplicate(t *testing.T) {
	ctx := context.Background()
	model := &stubModel{reply: `[{"content": "User really likes strong black coffee", "category": "preference", "importance": 4}]`}
	mgr, store, _ := newTestManager(t, model)

	existing, err := mgr.CreateEntry(ctx, Draft{Content: "User likes black coffee", Category: CategoryPreference, Importance: 6})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := mgr.RememberTurn(ctx, Turn{ID: "turn-2", UserText: "I really like strong black coffee"}, nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if report.Merged != 1 || report.Inserted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if store.Count() != 1 {
		t.Fatalf("duplicate created a second entry: count %d", store.Count())
	}

	merged, err := store.Get(ctx, existing.ID)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if merged.Content != "User really likes strong black coffee" {
		t.Fatalf("longer restatement not kept: %q", merged.Content)
	}
	if merged.Importance != 6 {
		t.Fatalf("merge lowered importance: %d", merged.Importance)
	}
	if !merged.UpdatedAt.After(existing.UpdatedAt) && !merged.UpdatedAt.Equal(existing.UpdatedAt) {
		t.Fatalf("updated_at went backwards: %v vs %v", merged.UpdatedAt, existing.UpdatedAt)
	}
}

func TestRememberTurnIdempotentRestatement(t *testing.T) {
	ctx := context.Background()
	model := &stubModel{reply: `[{"content": "User is allergic to shellfish", "category": "personal", "importance": 9}]`}
	mgr, store, _ := newTestManager(t, model)

	if _, err := mgr.RememberTurn(ctx, Turn{ID: "t1", UserText: "I'm allergic to shellfish"}, nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	report, err := mgr.RememberTurn(ctx, Turn{ID: "t2", UserText: "remember, I'm allergic to shellfish"}, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if report.Merged != 1 || store.Count() != 1 {
		t.Fatalf("restatement not idempotent: report %+v, count %d", report, store.Count())
	}
}

func TestRememberTurnExtractionFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	model := &stubModel{err: errors.New("model offline")}
	mgr, store, backend := newTestManager(t, model)

	report, err := mgr.RememberTurn(ctx, Turn{ID: "t", UserText: "I adopted a dog today"}, nil)
	if err != nil {
		t.Fatalf("extraction failure must not surface: %v", err)
	}
	if report.Extracted != 0 || report.Inserted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if store.Count() != 0 || backend.saves != 0 {
		t.Fatalf("store touched: count %d, saves %d", store.Count(), backend.saves)
	}
}

func TestRememberTurnRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	model := &stubModel{reply: `[{"content": "User started learning piano", "category": "goal", "importance": 6}]`}
	mgr, store, backend := newTestManager(t, model)

	kept, err := mgr.CreateEntry(ctx, Draft{Content: "User lives in Berlin", Category: CategoryPersonal, Importance: 7})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	backend.failSave = true
	if _, err := mgr.RememberTurn(ctx, Turn{ID: "t", UserText: "I started learning piano"}, nil); err == nil {
		t.Fatal("persist failure must surface")
	}

	// The working set is back to the last persisted snapshot: the new
	// candidate is gone, the prior entry untouched.
	if store.Count() != 1 {
		t.Fatalf("rollback failed: count %d", store.Count())
	}
	got, err := store.Get(ctx, kept.ID)
	if err != nil || got.Content != "User lives in Berlin" {
		t.Fatalf("prior state damaged: %+v, %v", got, err)
	}
}

func TestRememberTurnNothingExtracted(t *testing.T) {
	ctx := context.Background()
	model := &stubModel{reply: `[]`}
	mgr, _, backend := newTestManager(t, model)

	report, err := mgr.RememberTurn(ctx, Turn{ID: "t", UserText: "hmm, let me think about that"}, nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if report.Extracted != 0 || report.Persisted {
		t.Fatalf("unexpected report: %+v", report)
	}
	if backend.saves != 0 {
		t.Fatalf("empty turn should not persist: %d saves", backend.saves)
	}
}

func TestManagerCRUDPersistsImmediately(t *testing.T) {
	ctx := context.Background()
	mgr, _, backend := newTestManager(t, nil)

	e, err := mgr.CreateEntry(ctx, Draft{Content: "User journals nightly", Category: CategoryHabit, Importance: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(backend.snapshot) != 1 {
		t.Fatal("create not persisted")
	}

	imp := 8
	if _, err := mgr.UpdateEntry(ctx, e.ID, Patch{Importance: &imp}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if backend.snapshot[e.ID].Importance != 8 {
		t.Fatal("update not persisted")
	}

	deleted, err := mgr.DeleteEntry(ctx, e.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: %v deleted=%v", err, deleted)
	}
	if len(backend.snapshot) != 0 {
		t.Fatal("delete not persisted")
	}

	// Deleting again is a quiet no-op and does not rewrite the snapshot.
	saves := backend.saves
	deleted, err = mgr.DeleteEntry(ctx, e.ID)
	if err != nil || deleted {
		t.Fatalf("second delete: %v deleted=%v", err, deleted)
	}
	if backend.saves != saves {
		t.Fatal("no-op delete persisted")
	}
}

func TestManagerCreateRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	mgr, store, backend := newTestManager(t, nil)

	backend.failSave = true
	if _, err := mgr.CreateEntry(ctx, Draft{Content: "doomed entry", Category: CategoryEvent, Importance: 3}); err == nil {
		t.Fatal("persist failure must surface")
	}
	if store.Count() != 0 {
		t.Fatalf("failed create left working-set residue: %d", store.Count())
	}
}

func TestManagerSummarize(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t, nil)

	mgr.CreateEntry(ctx, Draft{Content: "likes rainy days", Category: CategoryPreference, Importance: 4})
	mgr.CreateEntry(ctx, Draft{Content: "sister named Mina", Category: CategoryRelationship, Importance: 7})
	mgr.CreateEntry(ctx, Draft{Content: "wants to run a marathon", Category: CategoryGoal, Importance: 6})

	sum, err := mgr.Summarize(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Total != 3 {
		t.Fatalf("total: %d", sum.Total)
	}
	if sum.ByCategory[CategoryGoal] != 1 || sum.ByCategory[CategoryPreference] != 1 {
		t.Fatalf("by category: %+v", sum.ByCategory)
	}
	if len(sum.Recent) != 3 {
		t.Fatalf("recent: %d", len(sum.Recent))
	}
}

func TestPromptContextEmptyWhenNothingRelevant(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	if got := mgr.PromptContext(context.Background(), "anything at all", time.Now()); got != "" {
		t.Fatalf("empty store produced context: %q", got)
	}
}

func TestEvictRemovesLowImportanceOverflow(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	store, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr := NewManager(store, NewExtractor(nil, ExtractionConfig{}), ManagerConfig{
		Eviction: EvictionPolicy{Enabled: true, Schedule: "* * * * *", MaxEntries: 2, MinKeepScore: 5},
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.nowFn = func() time.Time { return clock }

	store.Create(ctx, Draft{Content: "old trivial note", Category: CategoryEvent, Importance: 1})
	clock = base.Add(time.Hour)
	store.Create(ctx, Draft{Content: "another trivial note", Category: CategoryEvent, Importance: 2})
	clock = base.Add(2 * time.Hour)
	store.Create(ctx, Draft{Content: "allergic to penicillin", Category: CategoryPersonal, Importance: 10})
	clock = base.Add(3 * time.Hour)
	store.Create(ctx, Draft{Content: "partner named Jo", Category: CategoryRelationship, Importance: 8})
	if err := store.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	removed, err := mgr.Evict(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	if store.Count() != 2 {
		t.Fatalf("count after evict: %d", store.Count())
	}
	for _, content := range []string{"allergic to penicillin", "partner named Jo"} {
		hits, _ := store.Search(ctx, content)
		if len(hits) != 1 {
			t.Fatalf("important entry evicted: %q", content)
		}
	}
	if len(backend.snapshot) != 2 {
		t.Fatalf("eviction not persisted: %d", len(backend.snapshot))
	}
}

func TestEvictKeepsEverythingAboveKeepScore(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestManager(t, nil)
	mgr.cfg.Eviction = EvictionPolicy{Enabled: true, Schedule: "* * * * *", MaxEntries: 1, MinKeepScore: 3}

	store.Create(ctx, Draft{Content: "first valued fact", Category: CategoryPersonal, Importance: 5})
	store.Create(ctx, Draft{Content: "second valued fact", Category: CategoryPersonal, Importance: 6})

	removed, err := mgr.Evict(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 0 || store.Count() != 2 {
		t.Fatalf("evicted protected entries: removed %d, count %d", removed, store.Count())
	}
}

func TestEvictDueHonorsSchedule(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestManager(t, nil)
	mgr.cfg.Eviction = EvictionPolicy{Enabled: true, Schedule: "0 3 * * *", MaxEntries: 1, MinKeepScore: 5}

	store.Create(ctx, Draft{Content: "low value one", Category: CategoryEvent, Importance: 1})
	store.Create(ctx, Draft{Content: "low value two", Category: CategoryEvent, Importance: 1})
	if err := store.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	offHour := time.Date(2026, 8, 23, 15, 30, 0, 0, time.UTC)
	if removed, err := mgr.EvictDue(ctx, offHour); err != nil || removed != 0 {
		t.Fatalf("off-schedule run: removed %d err %v", removed, err)
	}

	due := time.Date(2026, 8, 23, 3, 0, 10, 0, time.UTC)
	removed, err := mgr.EvictDue(ctx, due)
	if err != nil {
		t.Fatalf("due run: %v", err)
	}
	if removed != 1 {
		t.Fatalf("due run removed %d", removed)
	}

	// Same minute again: the pass already ran.
	if removed, err := mgr.EvictDue(ctx, due.Add(20*time.Second)); err != nil || removed != 0 {
		t.Fatalf("repeat within minute: removed %d err %v", removed, err)
	}
}

func TestEvictDueDisabled(t *testing.T) {
	mgr, store, _ := newTestManager(t, nil)
	store.Create(context.Background(), Draft{Content: "anything", Category: CategoryEvent, Importance: 1})

	if removed, err := mgr.EvictDue(context.Background(), time.Now()); err != nil || removed != 0 {
		t.Fatalf("disabled eviction ran: removed %d err %v", removed, err)
	}
}
