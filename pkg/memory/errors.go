package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation indicates bad input to a CRUD operation, e.g. empty
	// content. Returned to the caller for user-facing correction.
	ErrValidation = errors.New("memory: invalid entry")

	// ErrNotFound indicates the requested entry id is absent.
	ErrNotFound = errors.New("memory: entry not found")

	// ErrExtractionUnavailable indicates the model call behind extraction
	// failed. Non-fatal to the chat turn; logged and skipped upstream.
	ErrExtractionUnavailable = errors.New("memory: extraction unavailable")
)

// CorruptionError reports an unreadable or malformed persisted store.
// It is never swallowed silently: the caller decides whether to abort
// or proceed on an empty store.
type CorruptionError struct {
	Path    string
	Records []string // per-record problems, when the file itself parsed
	Err     error
}

func (e *CorruptionError) Error() string {
	if len(e.Records) > 0 {
		return fmt.Sprintf("memory store %s is corrupt: %s", e.Path, strings.Join(e.Records, "; "))
	}
	return fmt.Sprintf("memory store %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }
