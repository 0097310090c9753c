package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koemi-app/koemi/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "koemi",
		Short: "Local chat companion with persistent memory",
		Long: strings.TrimSpace(`koemi is a local chat companion that remembers.

Facts worth keeping are extracted from conversation, stored durably,
and recalled into future prompts. Use CLI commands to onboard, chat,
and inspect or edit what koemi remembers.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.koemi config and the persona registry",
		Long:    "Create the default configuration file and persona registry for a new koemi installation.",
		Example: "  koemi onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newChatCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Start an interactive chat session",
		Long:    "Run the readline chat loop: persona-driven replies, memory recall in the prompt, and per-turn extraction in the background.",
		Example: "  koemi chat --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and readiness",
		Example: "  koemi status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  koemi version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

// withManager loads config, opens the memory stack without a model
// client, runs fn, and closes the store.
func withManager(fn func(ctx context.Context, mgr *memory.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	mgr, store, err := openManager(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, mgr)
}

func newMemoryCommand() *cobra.Command {
	memoryRoot := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit stored memories",
		Long:  "List, search, add, edit, and remove the facts koemi has stored about you.",
	}

	var (
		listCategory   string
		listImportance int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored memories",
		Example: strings.Join([]string{
			"  koemi memory list",
			"  koemi memory list --category preference --min-importance 5",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				filter := memory.ListFilter{MinImportance: listImportance}
				if listCategory != "" {
					cat, ok := memory.ParseCategory(listCategory)
					if !ok {
						return fmt.Errorf("unknown category %q (valid: %s)", listCategory, categoryNames())
					}
					filter.Category = cat
				}
				entries, err := mgr.ListEntries(ctx, filter)
				if err != nil {
					return err
				}
				printEntries(entries)
				return nil
			})
		},
	}
	list.Flags().StringVarP(&listCategory, "category", "c", "", "Filter by category")
	list.Flags().IntVarP(&listImportance, "min-importance", "i", 0, "Minimum importance (0-10)")
	memoryRoot.AddCommand(list)

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "show <id>",
		Short:   "Show one memory in full",
		Args:    cobra.ExactArgs(1),
		Example: "  koemi memory show mem-7f3a",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				e, err := mgr.GetEntry(ctx, args[0])
				if err != nil {
					return friendlyError(err)
				}
				fmt.Printf("ID:         %s\n", e.ID)
				fmt.Printf("Content:    %s\n", e.Content)
				fmt.Printf("Category:   %s\n", e.Category)
				fmt.Printf("Importance: %d\n", e.Importance)
				fmt.Printf("Created:    %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("Updated:    %s\n", e.UpdatedAt.Format("2006-01-02 15:04:05"))
				if e.SourceTurnRef != "" {
					fmt.Printf("Source:     %s\n", e.SourceTurnRef)
				}
				return nil
			})
		},
	})

	var (
		addCategory   string
		addImportance int
	)
	add := &cobra.Command{
		Use:     "add <content>",
		Short:   "Add a memory by hand",
		Args:    cobra.ExactArgs(1),
		Example: "  koemi memory add \"User is allergic to peanuts\" --category personal --importance 9",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				cat, ok := memory.ParseCategory(addCategory)
				if !ok {
					return fmt.Errorf("unknown category %q (valid: %s)", addCategory, categoryNames())
				}
				e, err := mgr.CreateEntry(ctx, memory.Draft{Content: args[0], Category: cat, Importance: addImportance})
				if err != nil {
					return err
				}
				fmt.Printf("Added %s\n", e.ID)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&addCategory, "category", "c", "personal", "Category for the new memory")
	add.Flags().IntVarP(&addImportance, "importance", "i", 5, "Importance (0-10)")
	memoryRoot.AddCommand(add)

	var (
		editContent    string
		editCategory   string
		editImportance int
	)
	edit := &cobra.Command{
		Use:     "edit <id>",
		Short:   "Edit a stored memory",
		Args:    cobra.ExactArgs(1),
		Example: "  koemi memory edit mem-7f3a --importance 8",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				var patch memory.Patch
				if cmd.Flags().Changed("content") {
					patch.Content = &editContent
				}
				if cmd.Flags().Changed("category") {
					cat, ok := memory.ParseCategory(editCategory)
					if !ok {
						return fmt.Errorf("unknown category %q (valid: %s)", editCategory, categoryNames())
					}
					patch.Category = &cat
				}
				if cmd.Flags().Changed("importance") {
					patch.Importance = &editImportance
				}
				if patch.Content == nil && patch.Category == nil && patch.Importance == nil {
					return fmt.Errorf("nothing to change; pass --content, --category or --importance")
				}
				e, err := mgr.UpdateEntry(ctx, args[0], patch)
				if err != nil {
					return friendlyError(err)
				}
				fmt.Printf("Updated %s\n", e.ID)
				return nil
			})
		},
	}
	edit.Flags().StringVar(&editContent, "content", "", "Replacement content")
	edit.Flags().StringVar(&editCategory, "category", "", "Replacement category")
	edit.Flags().IntVar(&editImportance, "importance", 0, "Replacement importance (0-10)")
	memoryRoot.AddCommand(edit)

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a stored memory",
		Args:    cobra.ExactArgs(1),
		Example: "  koemi memory remove mem-7f3a",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				deleted, err := mgr.DeleteEntry(ctx, args[0])
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Printf("No memory with id %s\n", args[0])
					return nil
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	})

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "search <keyword>",
		Short:   "Search memories by keyword",
		Args:    cobra.MinimumNArgs(1),
		Example: "  koemi memory search coffee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				hits, err := mgr.SearchEntries(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				printEntries(hits)
				return nil
			})
		},
	})

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "summary",
		Short:   "Show memory statistics",
		Example: "  koemi memory summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				printSummary(ctx, mgr)
				return nil
			})
		},
	})

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "evict",
		Short:   "Run the low-importance eviction pass now",
		Long:    "Remove low-importance entries beyond the configured store size, regardless of the eviction schedule.",
		Example: "  koemi memory evict",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				removed, err := mgr.Evict(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Evicted %d memories\n", removed)
				return nil
			})
		},
	})

	return memoryRoot
}

func categoryNames() string {
	cats := memory.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// friendlyError rewrites the memory package's sentinel errors for CLI
// output.
func friendlyError(err error) error {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return fmt.Errorf("no such memory (try 'koemi memory list')")
	case errors.Is(err, memory.ErrValidation):
		return err
	}
	return err
}
