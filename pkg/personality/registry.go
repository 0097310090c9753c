// Package personality manages the persona registry: named personas
// with a system prompt, response style and memory focus areas, loaded
// from a JSON file so users can add their own.
package personality

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var ErrUnknownPersona = errors.New("unknown persona")

// Persona describes one selectable companion character.
type Persona struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	SystemPrompt  string   `json:"system_prompt"`
	Traits        []string `json:"traits,omitempty"`
	ResponseStyle string   `json:"response_style,omitempty"`
	// MemoryFocus biases extraction toward topics this persona cares
	// about; the values land in the extraction prompt verbatim.
	MemoryFocus []string `json:"memory_focus,omitempty"`
}

// Summary is the list-view projection of a persona.
type Summary struct {
	ID          string
	Name        string
	Description string
	Current     bool
}

type registryFile struct {
	Personas  map[string]Persona `json:"personalities"`
	DefaultID string             `json:"default_personality"`
}

// Registry holds the loaded personas and tracks the current selection.
type Registry struct {
	mu       sync.RWMutex
	path     string
	personas map[string]Persona
	current  string
}

// Load reads the registry file. A missing file yields the built-in
// personas; a present but unreadable file is an error, not a silent
// fallback. defaultID overrides the file's own default when non-empty.
func Load(path, defaultID string) (*Registry, error) {
	file := builtinRegistry()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read persona registry: %w", err)
		}
	} else if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse persona registry %s: %w", path, err)
	}
	if len(file.Personas) == 0 {
		file = builtinRegistry()
	}

	current := file.DefaultID
	if defaultID != "" {
		current = defaultID
	}
	if _, ok := file.Personas[current]; !ok {
		// Deterministic fallback: smallest id wins.
		ids := make([]string, 0, len(file.Personas))
		for id := range file.Personas {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		current = ids[0]
	}

	return &Registry{path: path, personas: file.Personas, current: current}, nil
}

// Save writes the registry back, preserving the current selection as
// the file's default.
func (r *Registry) Save() error {
	r.mu.RLock()
	file := registryFile{Personas: r.personas, DefaultID: r.current}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0644)
}

// List returns persona summaries ordered by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.personas))
	for id, p := range r.personas {
		out = append(out, Summary{ID: id, Name: p.Name, Description: p.Description, Current: id == r.current})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set switches the current persona.
func (r *Registry) Set(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.personas[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPersona, id)
	}
	r.current = id
	return nil
}

// Current returns the selected persona and its id.
func (r *Registry) Current() (Persona, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.personas[r.current], r.current
}

// SystemPrompt returns the current persona's system prompt.
func (r *Registry) SystemPrompt() string {
	p, _ := r.Current()
	return p.SystemPrompt
}

// MemoryFocus returns the current persona's extraction focus areas.
func (r *Registry) MemoryFocus() []string {
	p, _ := r.Current()
	return p.MemoryFocus
}

func builtinRegistry() registryFile {
	return registryFile{
		DefaultID: "friendly",
		Personas: map[string]Persona{
			"friendly": {
				Name:          "Friendly",
				Description:   "Warm and attentive, good at listening",
				SystemPrompt:  "You are a warm, friendly companion. You listen carefully, remember what matters to the user, and respond with genuine interest.",
				Traits:        []string{"warm", "empathetic"},
				ResponseStyle: "warm",
				MemoryFocus:   []string{"emotional state", "personal preferences"},
			},
			"thoughtful": {
				Name:          "Thoughtful",
				Description:   "Calm and reflective, asks good questions",
				SystemPrompt:  "You are a calm, reflective companion. You think before you answer, connect new things the user says to what you already know about them, and ask questions that help them think.",
				Traits:        []string{"calm", "curious"},
				ResponseStyle: "measured",
				MemoryFocus:   []string{"goals", "habits", "relationships"},
			},
			"playful": {
				Name:          "Playful",
				Description:   "Light-hearted and energetic",
				SystemPrompt:  "You are a playful, energetic companion. You keep the mood light, tease gently, and celebrate the user's wins.",
				Traits:        []string{"humorous", "energetic"},
				ResponseStyle: "casual",
				MemoryFocus:   []string{"interests", "events"},
			},
		},
	}
}
