// Package chat drives the conversation loop: prompt assembly from
// persona and recalled memories, reply generation, and handing finished
// turns to the memory pipeline without ever blocking on it.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koemi-app/koemi/pkg/logger"
	"github.com/koemi-app/koemi/pkg/memory"
	"github.com/koemi-app/koemi/pkg/personality"
	"github.com/koemi-app/koemi/pkg/providers"
)

// Options tunes the engine's history handling.
type Options struct {
	// MaxHistory caps the rolling window in messages (a turn is two).
	// When the window is full the oldest ExtractBatch messages are
	// handed to the memory pipeline and dropped.
	MaxHistory   int
	ExtractBatch int

	// SyncMemory makes turn extraction run inline instead of in a
	// goroutine. Tests set it; the CLI does not.
	SyncMemory bool
}

// Engine holds one conversation session.
type Engine struct {
	completer providers.Completer
	memories  *memory.Manager
	personas  *personality.Registry
	opts      Options

	mu      sync.Mutex
	history []memory.Turn
	seq     int
	wg      sync.WaitGroup
}

func NewEngine(completer providers.Completer, memories *memory.Manager, personas *personality.Registry, opts Options) *Engine {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 30
	}
	if opts.ExtractBatch <= 0 {
		opts.ExtractBatch = 10
	}
	return &Engine{
		completer: completer,
		memories:  memories,
		personas:  personas,
		opts:      opts,
	}
}

// Send produces the reply for one user message. Memory recall feeds the
// prompt; memory extraction happens after the reply and cannot fail the
// turn.
func (e *Engine) Send(ctx context.Context, userText string) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", fmt.Errorf("empty message")
	}

	now := time.Now()
	recall := e.memories.PromptContext(ctx, userText, now)

	e.mu.Lock()
	msgs := e.buildMessages(recall, userText)
	e.mu.Unlock()

	reply, err := e.completer.Chat(ctx, msgs)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.seq++
	turn := memory.Turn{
		ID:        fmt.Sprintf("turn-%s-%d", uuid.NewString()[:8], e.seq),
		UserText:  userText,
		ReplyText: reply,
	}
	e.history = append(e.history, turn)
	recent := e.recentHistory(1) // everything before the turn just appended
	overflow := e.trimOverflow()
	e.mu.Unlock()

	e.remember(turn, recent)
	for _, old := range overflow {
		e.remember(old, nil)
	}
	return reply, nil
}

// buildMessages assembles system prompt (persona + remembered facts)
// plus the rolling history and the new user message. Caller holds mu.
func (e *Engine) buildMessages(recall, userText string) []providers.Message {
	system := e.personas.SystemPrompt()
	if recall != "" {
		system = strings.TrimSpace(system + "\n\n" + recall)
	}

	msgs := []providers.Message{{Role: "system", Content: system}}
	for _, t := range e.history {
		msgs = append(msgs, providers.Message{Role: "user", Content: t.UserText})
		if t.ReplyText != "" {
			msgs = append(msgs, providers.Message{Role: "assistant", Content: t.ReplyText})
		}
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: userText})
	return msgs
}

// recentHistory returns the turns preceding the last skip entries, for
// extraction context. Caller holds mu.
func (e *Engine) recentHistory(skip int) []memory.Turn {
	n := len(e.history) - skip
	if n <= 0 {
		return nil
	}
	out := make([]memory.Turn, n)
	copy(out, e.history[:n])
	return out
}

// trimOverflow drops the oldest turns once the window exceeds
// MaxHistory messages and returns them so their facts are not lost.
// Caller holds mu.
func (e *Engine) trimOverflow() []memory.Turn {
	if len(e.history)*2 <= e.opts.MaxHistory {
		return nil
	}
	drop := (e.opts.ExtractBatch + 1) / 2
	if drop > len(e.history) {
		drop = len(e.history)
	}
	overflow := make([]memory.Turn, drop)
	copy(overflow, e.history[:drop])
	e.history = append([]memory.Turn(nil), e.history[drop:]...)
	return overflow
}

// remember hands a finished turn to the memory pipeline. Detached from
// the request context: the reply is already out, and a slow extraction
// must not be cancelled by the prompt loop moving on.
func (e *Engine) remember(turn memory.Turn, recent []memory.Turn) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := e.memories.RememberTurn(ctx, turn, recent); err != nil {
			logger.WarnCF("chat", "memory pipeline failed for turn", map[string]interface{}{
				"turn_id": turn.ID,
				"error":   err.Error(),
			})
		}
	}
	if e.opts.SyncMemory {
		run()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run()
	}()
}

// Clear extracts whatever the rolling window still holds, then resets
// it. Used by /clear and on session end so short sessions still leave
// memories behind.
func (e *Engine) Clear() {
	e.mu.Lock()
	pending := e.history
	e.history = nil
	e.mu.Unlock()

	for _, t := range pending {
		e.remember(t, nil)
	}
}

// HistoryLen reports the rolling window size in messages.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history) * 2
}

// Wait blocks until all in-flight memory work has finished. Called on
// shutdown so fire-and-forget extractions are not torn down mid-write.
func (e *Engine) Wait() {
	e.wg.Wait()
}
