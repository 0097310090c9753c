package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/koemi-app/koemi/pkg/chat"
	"github.com/koemi-app/koemi/pkg/config"
	"github.com/koemi-app/koemi/pkg/logger"
	"github.com/koemi-app/koemi/pkg/memory"
	"github.com/koemi-app/koemi/pkg/personality"
	"github.com/koemi-app/koemi/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "koemi"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(config.DefaultPath())
}

func onboard() error {
	configPath := config.DefaultPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	// Seed the persona registry so users have a file to edit.
	reg, err := personality.Load(cfg.PersonalityPath(), cfg.Personality.DefaultID)
	if err != nil {
		return fmt.Errorf("init persona registry: %w", err)
	}
	if err := reg.Save(); err != nil {
		return fmt.Errorf("write persona registry: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your API key to", configPath)
	fmt.Println("  2. Start chatting: koemi chat")
	fmt.Println("  3. Browse memories: koemi memory list")
	fmt.Println("  4. Check readiness: koemi status")
	return nil
}

// openManager builds the memory stack from config: the selected backend,
// the store, and the manager. A partially corrupt store is reported but
// still opened with its readable records.
func openManager(ctx context.Context, cfg *config.Config, extractor *memory.Extractor) (*memory.Manager, *memory.Store, error) {
	var backend memory.Backend
	var err error
	switch cfg.Memory.Backend {
	case "", "file":
		backend = memory.NewFileBackend(filepath.Join(cfg.DataDir(), "memories.json"), cfg.Memory.StrictReload)
	case "sqlite":
		backend, err = memory.NewSQLiteBackend(filepath.Join(cfg.DataDir(), "memories.db"))
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}

	store, err := memory.Open(ctx, backend)
	if err != nil {
		var corr *memory.CorruptionError
		if !errors.As(err, &corr) || store == nil {
			return nil, nil, fmt.Errorf("open memory store: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Warning: memory store is partially corrupt: %v\n", corr)
	}

	if extractor == nil {
		extractor = memory.NewExtractor(nil, memory.ExtractionConfig{MinImportance: cfg.Memory.MinImportance})
	}
	mgr := memory.NewManager(store, extractor, memory.ManagerConfig{
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		MaxRecallItems:      cfg.Memory.MaxRecallItems,
		RecallTokenBudget:   cfg.Memory.RecallTokenBudget,
		LexicalWeight:       cfg.Memory.LexicalWeight,
		ImportanceWeight:    cfg.Memory.ImportanceWeight,
		RecencyWeight:       cfg.Memory.RecencyWeight,
		Eviction: memory.EvictionPolicy{
			Enabled:      cfg.Memory.Eviction.Enabled,
			Schedule:     cfg.Memory.Eviction.Schedule,
			MaxEntries:   cfg.Memory.Eviction.MaxEntries,
			MinKeepScore: cfg.Memory.Eviction.MinKeepScore,
		},
	})
	return mgr, store, nil
}

func chatCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.AI.APIKey) == "" {
		return fmt.Errorf("no API key configured; run 'koemi onboard' and edit %s", config.DefaultPath())
	}

	client, err := providers.NewOpenAIClient(providers.Options{
		APIKey:      cfg.AI.APIKey,
		APIBase:     cfg.AI.APIBase,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxReplyTokens,
		Timeout:     time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}

	personas, err := personality.Load(cfg.PersonalityPath(), cfg.Personality.DefaultID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	extractor := memory.NewExtractor(client, memory.ExtractionConfig{
		MinImportance: cfg.Memory.MinImportance,
		FocusAreas:    personas.MemoryFocus(),
	})
	mgr, store, err := openManager(ctx, cfg, extractor)
	if err != nil {
		return err
	}
	defer store.Close()

	if removed, err := mgr.EvictDue(ctx, time.Now()); err != nil {
		logger.WarnCF("main", "eviction pass failed", map[string]interface{}{"error": err.Error()})
	} else if removed > 0 {
		logger.InfoCF("main", "evicted stale memories", map[string]interface{}{"removed": removed})
	}

	engine := chat.NewEngine(client, mgr, personas, chat.Options{
		MaxHistory:   cfg.Chat.MaxHistory,
		ExtractBatch: cfg.Chat.ExtractBatch,
	})

	persona, personaID := personas.Current()
	fmt.Printf("%s — chatting as %s (%s). Type /help for commands, Ctrl+C to exit.\n\n", appName, persona.Name, personaID)
	interactiveMode(ctx, engine, mgr, personas)

	// Flush the window so short sessions still leave memories, then wait
	// for in-flight extraction before the store closes.
	engine.Clear()
	engine.Wait()
	return nil
}

func interactiveMode(ctx context.Context, engine *chat.Engine, mgr *memory.Manager, personas *personality.Registry) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".koemi_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, engine, mgr, personas)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, engine, mgr, personas, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, engine *chat.Engine, mgr *memory.Manager, personas *personality.Registry) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("You: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, engine, mgr, personas, line) {
			return
		}
	}
}

// handleLine processes one REPL line. Returns false when the session
// should end.
func handleLine(ctx context.Context, engine *chat.Engine, mgr *memory.Manager, personas *personality.Registry, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Println("Goodbye!")
		return false
	}

	if strings.HasPrefix(input, "/") {
		runSlashCommand(ctx, engine, mgr, personas, input)
		return true
	}

	response, err := engine.Send(ctx, input)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return true
	}
	persona, _ := personas.Current()
	fmt.Printf("\n%s: %s\n\n", persona.Name, response)
	return true
}

func runSlashCommand(ctx context.Context, engine *chat.Engine, mgr *memory.Manager, personas *personality.Registry, input string) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /memories           Show the memory summary")
		fmt.Println("  /search <keyword>   Search stored memories")
		fmt.Println("  /persona [id]       Show or switch persona")
		fmt.Println("  /clear              Flush history into memory and reset")
		fmt.Println("  exit | quit         Leave the chat")
	case "/memories":
		printSummary(ctx, mgr)
	case "/search":
		if len(fields) < 2 {
			fmt.Println("Usage: /search <keyword>")
			return
		}
		hits, err := mgr.SearchEntries(ctx, strings.Join(fields[1:], " "))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		printEntries(hits)
	case "/persona":
		if len(fields) < 2 {
			for _, s := range personas.List() {
				marker := " "
				if s.Current {
					marker = "*"
				}
				fmt.Printf("%s %-12s %s — %s\n", marker, s.ID, s.Name, s.Description)
			}
			return
		}
		if err := personas.Set(fields[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		persona, _ := personas.Current()
		fmt.Printf("Switched to %s.\n", persona.Name)
	case "/clear":
		engine.Clear()
		fmt.Println("History flushed into memory.")
	default:
		fmt.Printf("Unknown command %s (try /help)\n", fields[0])
	}
}

func printSummary(ctx context.Context, mgr *memory.Manager) {
	sum, err := mgr.Summarize(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Memories: %d total\n", sum.Total)
	for _, cat := range memory.Categories() {
		if n := sum.ByCategory[cat]; n > 0 {
			fmt.Printf("  %-13s %d\n", cat, n)
		}
	}
	if len(sum.Recent) > 0 {
		fmt.Println("Most recent:")
		printEntries(sum.Recent)
	}
}

func printEntries(entries []memory.Entry) {
	if len(entries) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  [%s/%d]  %s\n", e.ID, e.Category, e.Importance, e.Content)
	}
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := config.DefaultPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	fmt.Println("Config:", configPath, mark(exists(configPath)))
	fmt.Println("Data dir:", cfg.DataDir(), mark(exists(cfg.DataDir())))

	storePath := filepath.Join(cfg.DataDir(), "memories.json")
	if cfg.Memory.Backend == "sqlite" {
		storePath = filepath.Join(cfg.DataDir(), "memories.db")
	}
	if exists(storePath) {
		fmt.Println("Memory store:", storePath, "✓")
	} else {
		fmt.Println("Memory store:", storePath, "not initialized")
	}
	fmt.Println("Personas:", cfg.PersonalityPath(), mark(exists(cfg.PersonalityPath())))

	fmt.Printf("Model: %s\n", cfg.AI.Model)
	apiReady := strings.TrimSpace(cfg.AI.APIKey) != ""
	fmt.Println("API key:", mark(apiReady))
	fmt.Println("Chat ready:", mark(apiReady))
	return nil
}
