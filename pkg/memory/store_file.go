package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileBackend persists entries as one indented JSON document mapping
// entry id to its full record, so the file stays inspectable and
// hand-editable. Saves go through a temp file and rename so a crash
// mid-write leaves the previous snapshot intact.
type FileBackend struct {
	path string

	// strictMissing makes Load fail with a *CorruptionError when the
	// file is absent instead of starting from an empty store. Useful
	// once a store is known to exist: silent loss stays visible.
	strictMissing bool
}

func NewFileBackend(path string, strictMissing bool) *FileBackend {
	return &FileBackend{path: path, strictMissing: strictMissing}
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) Load(ctx context.Context) (map[string]Entry, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			if b.strictMissing {
				return nil, &CorruptionError{Path: b.path, Err: err}
			}
			return map[string]Entry{}, nil
		}
		return nil, &CorruptionError{Path: b.path, Err: err}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &CorruptionError{Path: b.path, Err: err}
	}

	entries := make(map[string]Entry, len(raw))
	var bad []string
	for id, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			bad = append(bad, fmt.Sprintf("record %s: %v", id, err))
			continue
		}
		if strings.TrimSpace(e.Content) == "" {
			bad = append(bad, fmt.Sprintf("record %s: empty content", id))
			continue
		}
		if _, ok := ParseCategory(string(e.Category)); !ok {
			bad = append(bad, fmt.Sprintf("record %s: unknown category %q", id, e.Category))
			continue
		}
		e.ID = id
		e.Importance = ClampImportance(e.Importance)
		entries[id] = e
	}

	if len(bad) > 0 {
		sort.Strings(bad)
		return entries, &CorruptionError{Path: b.path, Records: bad}
	}
	return entries, nil
}

func (b *FileBackend) Save(ctx context.Context, entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".memories-*.json")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
