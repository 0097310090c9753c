package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackendMissingFileStartsEmpty(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(filepath.Join(t.TempDir(), "memories.json"), false)

	entries, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("want empty store, got %d entries", len(entries))
	}
}

func TestFileBackendStrictMissingIsCorruption(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(filepath.Join(t.TempDir(), "memories.json"), true)

	_, err := b.Load(ctx)
	var corr *CorruptionError
	if !errors.As(err, &corr) {
		t.Fatalf("want *CorruptionError for missing strict store, got %v", err)
	}
}

func TestFileBackendUnparseableDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memories.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, err := NewFileBackend(path, false).Load(ctx)
	var corr *CorruptionError
	if !errors.As(err, &corr) {
		t.Fatalf("want *CorruptionError, got %v", err)
	}
	if corr.Path != path {
		t.Fatalf("corruption path: %q", corr.Path)
	}
}

func TestFileBackendPartialCorruptionKeepsGoodRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memories.json")
	doc := `{
		"mem-good": {"id":"mem-good","content":"User likes matcha","category":"preference","importance":5,"created_at":"2026-08-01T12:00:00Z","updated_at":"2026-08-01T12:00:00Z"},
		"mem-blank": {"id":"mem-blank","content":"   ","category":"personal","importance":3,"created_at":"2026-08-01T12:00:00Z","updated_at":"2026-08-01T12:00:00Z"},
		"mem-badcat": {"id":"mem-badcat","content":"something","category":"vibes","importance":3,"created_at":"2026-08-01T12:00:00Z","updated_at":"2026-08-01T12:00:00Z"}
	}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	entries, err := NewFileBackend(path, false).Load(ctx)
	var corr *CorruptionError
	if !errors.As(err, &corr) {
		t.Fatalf("want *CorruptionError, got %v", err)
	}
	if len(corr.Records) != 2 {
		t.Fatalf("want 2 skipped records, got %v", corr.Records)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 readable record, got %d", len(entries))
	}
	if _, ok := entries["mem-good"]; !ok {
		t.Fatalf("readable record missing: %+v", entries)
	}
}

func TestFileBackendSaveIsReadable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "memories.json")

	store, err := Open(ctx, NewFileBackend(path, false))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.Create(ctx, Draft{Content: "User works as a florist", Category: CategoryPersonal, Importance: 6}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	// The on-disk format stays inspectable: indented JSON, plain field
	// names, the content in clear text.
	if !strings.Contains(string(data), "\n  ") || !strings.Contains(string(data), `"User works as a florist"`) {
		t.Fatalf("store file not human readable:\n%s", data)
	}

	// No temp files left behind after the rename.
	siblings, _ := os.ReadDir(filepath.Dir(path))
	for _, f := range siblings {
		if strings.HasPrefix(f.Name(), ".memories-") {
			t.Fatalf("leftover temp file %s", f.Name())
		}
	}
}

func TestFileBackendHandEditSurvivesReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memories.json")

	store, err := Open(ctx, NewFileBackend(path, false))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e, _ := store.Create(ctx, Draft{Content: "original wording", Category: CategoryPersonal, Importance: 5})
	if err := store.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	data, _ := os.ReadFile(path)
	edited := strings.Replace(string(data), "original wording", "edited by hand", 1)
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatalf("hand edit: %v", err)
	}

	if err := store.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "edited by hand" {
		t.Fatalf("hand edit lost: %q", got.Content)
	}
	store.Close()
}
