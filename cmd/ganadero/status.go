package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresdvelez/ganadero-sub001/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and sync state",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()

		pending, err := st.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		conflicts, err := st.Conflicts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		state, err := st.GetSyncState(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.Accent("ganadero status"))
		fmt.Printf("  pending mutations: %d\n", pending)
		if len(conflicts) > 0 {
			fmt.Printf("  conflicts:         %s\n", ui.Warn(fmt.Sprintf("%d", len(conflicts))))
		} else {
			fmt.Printf("  conflicts:         0\n")
		}
		if state.LastSyncedAt != nil {
			fmt.Printf("  last synced:       %s\n", state.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("  last synced:       %s\n", ui.Dim("never"))
		}
		if state.LastPullCursor != "" {
			fmt.Printf("  pull cursor:       %s\n", ui.Dim(state.LastPullCursor))
		}
		if state.AutoSyncEnabled {
			fmt.Printf("  auto sync:         %s\n", ui.Pass("on"))
		} else {
			fmt.Printf("  auto sync:         %s\n", ui.Fail("off"))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
