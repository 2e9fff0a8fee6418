package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	enginesync "github.com/andresdvelez/ganadero-sub001/internal/sync"
	"github.com/andresdvelez/ganadero-sub001/internal/ui"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Drain the local queue against the remote authority, then pull remote
changes into the snapshot cache.

Example usage:
  ganadero sync
  ganadero sync --full      # discard the pull cursor and resync everything
  ganadero sync auto off    # disable the daemon's periodic sync`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if syncFull {
			if err := st.ResetCursor(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(ui.Dim("cursor reset, pulling remote state from the beginning"))
		}

		logger := newLogger("sync")
		remote, err := openTransport(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer remote.Close()

		engine := newEngine(st, remote, nil)
		result, err := engine.Sync(context.Background())
		if err != nil {
			if errors.Is(err, enginesync.ErrSyncInProgress) {
				fmt.Fprintln(os.Stderr, "Error: a sync is already running")
			} else {
				fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			}
			os.Exit(1)
		}

		printSyncResult(result)
		if result.Conflicts > 0 {
			os.Exit(2)
		}
	},
}

func printSyncResult(result *enginesync.Result) {
	fmt.Printf("%s sync finished in %s\n", ui.Pass("✓"),
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Printf("  pushed:  %d synced, %d failed, %d skipped\n",
		result.Synced, result.Failed, result.Skipped)
	if result.Conflicts > 0 {
		fmt.Printf("  %s %d conflict(s) need resolution (ganadero resolve)\n",
			ui.Warn("!"), result.Conflicts)
	}
	if result.PullErr != nil {
		fmt.Printf("  %s pull failed: %v\n", ui.Warn("!"), result.PullErr)
	} else {
		fmt.Printf("  pulled:  %d changed, %d removed\n", result.Pulled, result.Tombstoned)
	}
	if result.Collected > 0 {
		fmt.Printf("  %s\n", ui.Dim(fmt.Sprintf("collected %d old entries", result.Collected)))
	}
}

var syncAutoCmd = &cobra.Command{
	Use:   "auto <on|off>",
	Short: "Enable or disable the daemon's periodic sync",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			fmt.Fprintf(os.Stderr, "Error: expected 'on' or 'off', got %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.SetAutoSync(context.Background(), enabled); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s auto sync %s\n", ui.Pass("✓"), args[0])
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "discard the pull cursor and resync all remote state")
	syncCmd.AddCommand(syncAutoCmd)
	rootCmd.AddCommand(syncCmd)
}
