package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
	enginesync "github.com/andresdvelez/ganadero-sub001/internal/sync"
	"github.com/andresdvelez/ganadero-sub001/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List conflicted queue entries",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		conflicts, err := st.Conflicts(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(conflicts) == 0 {
			fmt.Println(ui.Pass("no conflicts"))
			return
		}

		for _, e := range conflicts {
			fmt.Printf("%4d  %-8s %-13s %s\n", e.ID, e.Op, e.EntityType, e.ExternalID)
			fmt.Printf("      local base v%d, remote v%d\n", e.BaseVersion, e.ConflictVersion)
			if e.ErrorMessage != "" {
				fmt.Printf("      %s\n", ui.Dim(e.ErrorMessage))
			}
		}
		fmt.Printf("\n%s resolve with: ganadero resolve <id>\n", ui.Warn("!"))
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <entry-id>",
	GroupID: "sync",
	Short:   "Resolve a conflicted queue entry",
	Long: `Resolve a conflict by keeping the local value (retried on the next
sync against the version that rejected it) or accepting the remote value.

Without --keep, an interactive prompt shows both versions and asks.

Example usage:
  ganadero resolve 42                      # interactive
  ganadero resolve 42 --keep remote
  ganadero resolve 42 --keep local --merged-file merged.json
  ganadero resolve 42 --suggest            # propose a merge with the Anthropic API`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var entryID int64
		if _, err := fmt.Sscanf(args[0], "%d", &entryID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid entry id %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()
		entry, err := st.GetEntry(ctx, entryID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if entry.Status != record.StatusConflict {
			fmt.Fprintf(os.Stderr, "Error: entry %d is %s, not in conflict\n", entry.ID, entry.Status)
			os.Exit(1)
		}

		var merged []byte
		if file, _ := cmd.Flags().GetString("merged-file"); file != "" {
			merged, err = os.ReadFile(file)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read merged payload: %v\n", err)
				os.Exit(1)
			}
		}

		if suggest, _ := cmd.Flags().GetBool("suggest"); suggest {
			merged = suggestMerge(ctx, st, entry)
			if merged == nil {
				os.Exit(1)
			}
		}

		keep, _ := cmd.Flags().GetString("keep")
		if keep == "" {
			keep = promptResolution(st, entry, merged)
		}

		var resolution enginesync.Resolution
		switch keep {
		case "local":
			resolution = enginesync.ResolutionLocal
		case "remote":
			resolution = enginesync.ResolutionRemote
			merged = nil
		case "":
			fmt.Println(ui.Dim("aborted"))
			return
		default:
			fmt.Fprintf(os.Stderr, "Error: --keep must be 'local' or 'remote', got %q\n", keep)
			os.Exit(1)
		}

		logger := newLogger("sync")
		remote, err := openTransport(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer remote.Close()

		engine := newEngine(st, remote, nil)
		if err := engine.ResolveConflict(ctx, entryID, resolution, merged); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if resolution == enginesync.ResolutionLocal {
			fmt.Printf("%s entry %d re-queued; it will be retried on the next sync\n", ui.Pass("✓"), entryID)
		} else {
			fmt.Printf("%s entry %d resolved in favor of the remote version\n", ui.Pass("✓"), entryID)
		}
	},
}

// promptResolution shows both versions and asks which wins. Returns "local",
// "remote", or "" for abort.
func promptResolution(st *store.Store, entry *record.QueueEntry, merged []byte) string {
	fmt.Printf("%s %s %s %s\n", ui.Warn("conflict:"), entry.Op, entry.EntityType, entry.ExternalID)
	fmt.Printf("\n%s\n%s\n", ui.Accent("local payload:"), indentJSON(entry.Payload))
	if snap, err := st.GetSnapshot(context.Background(), entry.ExternalID); err == nil {
		fmt.Printf("\n%s\n%s\n", ui.Accent(fmt.Sprintf("remote payload (v%d):", snap.RemoteVersion)), indentJSON(snap.Payload))
	}
	if merged != nil {
		fmt.Printf("\n%s\n%s\n", ui.Accent("proposed merge:"), indentJSON(merged))
	}
	fmt.Println()

	localLabel := "Keep local (retry on next sync)"
	if merged != nil {
		localLabel = "Keep merged payload (retry on next sync)"
	}

	var choice string
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which version wins?").
				Options(
					huh.NewOption(localLabel, "local"),
					huh.NewOption("Accept remote version", "remote"),
					huh.NewOption("Abort", ""),
				).
				Value(&choice),
			huh.NewConfirm().
				Title("Apply this resolution?").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !confirmed {
		return ""
	}
	return choice
}

// suggestMerge asks the Anthropic API for a merged payload. Returns nil on
// failure after printing the error.
func suggestMerge(ctx context.Context, st *store.Store, entry *record.QueueEntry) []byte {
	apiKey := viper.GetString("suggest.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: --suggest needs suggest.api_key or ANTHROPIC_API_KEY")
		return nil
	}

	var remote *record.Snapshot
	if snap, err := st.GetSnapshot(ctx, entry.ExternalID); err == nil {
		remote = snap
	} else if !errors.Is(err, store.ErrSnapshotNotFound) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil
	}

	suggester := enginesync.NewMergeSuggester(apiKey, viper.GetString("suggest.model"))
	merged, err := suggester.Suggest(ctx, entry, remote)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: merge suggestion failed: %v\n", err)
		return nil
	}
	return merged
}

func indentJSON(payload []byte) string {
	var out json.RawMessage
	if err := json.Unmarshal(payload, &out); err != nil {
		return string(payload)
	}
	pretty, err := json.MarshalIndent(out, "  ", "  ")
	if err != nil {
		return string(payload)
	}
	return "  " + string(pretty)
}

func init() {
	resolveCmd.Flags().String("keep", "", "Resolution: 'local' or 'remote' (omit for interactive)")
	resolveCmd.Flags().String("merged-file", "", "Replacement payload for a local resolution")
	resolveCmd.Flags().Bool("suggest", false, "Propose a merged payload via the Anthropic API")

	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
}
