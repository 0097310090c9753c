package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/koemi-app/koemi/pkg/memory"
	"github.com/koemi-app/koemi/pkg/personality"
	"github.com/koemi-app/koemi/pkg/providers"
)

// fakeModel answers chat calls with a canned reply and extraction calls
// with canned JSON, recording what it was asked.
type fakeModel struct {
	mu          sync.Mutex
	reply       string
	chatErr     error
	extractJSON string
	lastChat    []providers.Message
	chatCalls   int
}

func (f *fakeModel) Chat(ctx context.Context, msgs []providers.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastChat = append([]providers.Message(nil), msgs...)
	return f.reply, f.chatErr
}

func (f *fakeModel) CompleteText(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extractJSON == "" {
		return "[]", nil
	}
	return f.extractJSON, nil
}

func newTestEngine(t *testing.T, model *fakeModel, opts Options) (*Engine, *memory.Manager) {
	t.Helper()
	ctx := context.Background()

	store, err := memory.Open(ctx, memory.NewFileBackend(filepath.Join(t.TempDir(), "memories.json"), false))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := memory.NewManager(store, memory.NewExtractor(model, memory.ExtractionConfig{}), memory.ManagerConfig{})

	reg, err := personality.Load(filepath.Join(t.TempDir(), "personalities.json"), "")
	if err != nil {
		t.Fatalf("load personas: %v", err)
	}

	opts.SyncMemory = true
	return NewEngine(model, mgr, reg, opts), mgr
}

func TestSendBuildsPersonaPrompt(t *testing.T) {
	model := &fakeModel{reply: "nice to meet you!"}
	engine, _ := newTestEngine(t, model, Options{})

	reply, err := engine.Send(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply != "nice to meet you!" {
		t.Fatalf("reply: %q", reply)
	}

	if len(model.lastChat) != 2 {
		t.Fatalf("want system + user, got %d messages", len(model.lastChat))
	}
	if model.lastChat[0].Role != "system" || !strings.Contains(model.lastChat[0].Content, "companion") {
		t.Fatalf("system prompt missing: %+v", model.lastChat[0])
	}
	if model.lastChat[1].Role != "user" || model.lastChat[1].Content != "hello there" {
		t.Fatalf("user message wrong: %+v", model.lastChat[1])
	}
}

func TestSendInjectsRecalledMemories(t *testing.T) {
	model := &fakeModel{reply: "of course I remember"}
	engine, mgr := newTestEngine(t, model, Options{})

	if _, err := mgr.CreateEntry(context.Background(), memory.Draft{
		Content: "User's cat is named Soba", Category: memory.CategoryRelationship, Importance: 8,
	}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	if _, err := engine.Send(context.Background(), "how is my cat Soba doing"); err != nil {
		t.Fatalf("send: %v", err)
	}
	system := model.lastChat[0].Content
	if !strings.Contains(system, "Remembered facts") || !strings.Contains(system, "Soba") {
		t.Fatalf("recall missing from system prompt:\n%s", system)
	}
}

func TestSendExtractsAfterReply(t *testing.T) {
	model := &fakeModel{
		reply:       "that sounds lovely",
		extractJSON: `[{"content": "User is learning to paint", "category": "goal", "importance": 6}]`,
	}
	engine, mgr := newTestEngine(t, model, Options{})

	if _, err := engine.Send(context.Background(), "I started learning to paint"); err != nil {
		t.Fatalf("send: %v", err)
	}
	engine.Wait()

	hits, err := mgr.SearchEntries(context.Background(), "learning to paint")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("turn not remembered: %d hits", len(hits))
	}
}

func TestSendKeepsRollingHistory(t *testing.T) {
	model := &fakeModel{reply: "mm-hm"}
	engine, _ := newTestEngine(t, model, Options{})

	for _, msg := range []string{"first message", "second message"} {
		if _, err := engine.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %q: %v", msg, err)
		}
	}

	// Third send sees both prior exchanges in order.
	if _, err := engine.Send(context.Background(), "third message"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := model.lastChat
	if len(msgs) != 6 { // system + 2 exchanges + new user message
		t.Fatalf("want 6 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "first message" || msgs[2].Role != "assistant" || msgs[3].Content != "second message" {
		t.Fatalf("history order wrong: %+v", msgs)
	}
}

func TestHistoryOverflowIsExtractedAndDropped(t *testing.T) {
	model := &fakeModel{
		reply:       "noted",
		extractJSON: `[]`,
	}
	engine, _ := newTestEngine(t, model, Options{MaxHistory: 4, ExtractBatch: 2})

	for _, msg := range []string{"turn one text", "turn two text", "turn three text"} {
		if _, err := engine.Send(context.Background(), msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	engine.Wait()

	// Cap is 4 messages = 2 turns; the third send pushed the window to 3
	// turns and the oldest was dropped.
	if got := engine.HistoryLen(); got != 4 {
		t.Fatalf("history len: %d", got)
	}

	if _, err := engine.Send(context.Background(), "turn four text"); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, m := range model.lastChat {
		if m.Content == "turn one text" {
			t.Fatal("dropped turn still in prompt")
		}
	}
}

func TestClearFlushesHistoryToMemory(t *testing.T) {
	model := &fakeModel{
		reply:       "okay",
		extractJSON: `[{"content": "User visited Kyoto last week", "category": "event", "importance": 5}]`,
	}
	engine, mgr := newTestEngine(t, model, Options{})

	if _, err := engine.Send(context.Background(), "I visited Kyoto last week"); err != nil {
		t.Fatalf("send: %v", err)
	}
	engine.Wait()

	engine.Clear()
	engine.Wait()

	if got := engine.HistoryLen(); got != 0 {
		t.Fatalf("history not cleared: %d", got)
	}
	hits, _ := mgr.SearchEntries(context.Background(), "Kyoto")
	if len(hits) != 1 {
		t.Fatalf("flushed turn lost or duplicated: %d hits", len(hits))
	}
}

func TestSendEmptyMessage(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeModel{reply: "?"}, Options{})
	if _, err := engine.Send(context.Background(), "   "); err == nil {
		t.Fatal("empty message must error")
	}
}

func TestSendModelFailureLeavesHistoryUntouched(t *testing.T) {
	model := &fakeModel{chatErr: errors.New("rate limited")}
	engine, _ := newTestEngine(t, model, Options{})

	if _, err := engine.Send(context.Background(), "hello?"); err == nil {
		t.Fatal("chat failure must surface")
	}
	if got := engine.HistoryLen(); got != 0 {
		t.Fatalf("failed turn recorded: %d", got)
	}
}
