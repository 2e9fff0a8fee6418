package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/andresdvelez/ganadero-sub001/internal/migrate"
	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
	"github.com/andresdvelez/ganadero-sub001/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and migrate the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries",
	Long: `List queue entries, optionally filtered.

--since accepts natural language as well as dates:
  ganadero queue list --since "yesterday"
  ganadero queue list --since "last friday" --status failed
  ganadero queue list --entity animal --limit 20`,
	Run: func(cmd *cobra.Command, args []string) {
		filter := store.ListEntriesFilter{}

		if s, _ := cmd.Flags().GetString("status"); s != "" {
			filter.Status = record.Status(s)
		}
		if e, _ := cmd.Flags().GetString("entity"); e != "" {
			filter.EntityType = record.EntityType(e)
			if err := filter.EntityType.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			since, err := parseSince(s)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			filter.Since = since
		}
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		entries, err := st.ListEntries(context.Background(), filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println(ui.Dim("queue is empty"))
			return
		}

		for _, e := range entries {
			fmt.Printf("%4d  %-10s %-8s %-13s %s  %s\n",
				e.ID,
				ui.StatusBadge(string(e.Status)),
				e.Op,
				e.EntityType,
				e.ExternalID,
				ui.Dim(e.CreatedAt.Local().Format("2006-01-02 15:04")))
			if e.ErrorMessage != "" {
				fmt.Printf("      %s\n", ui.Fail(e.ErrorMessage))
			}
		}
	},
}

// parseSince resolves a --since value: natural language first, then common
// date layouts.
func parseSince(s string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	if r, err := w.Parse(s, time.Now()); err == nil && r != nil {
		return r.Time, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse time %q", s)
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export queue entries and snapshots",
	Long: `Export the queue and snapshot cache for backup or device migration.

Example usage:
  ganadero queue export --out backup.jsonl
  ganadero queue export --format yaml --out backup.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		formatName, _ := cmd.Flags().GetString("format")
		format, err := migrate.ParseFormat(formatName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		out := os.Stdout
		if path, _ := cmd.Flags().GetString("out"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		result, err := migrate.Export(context.Background(), st, out, format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "%s exported %d entries, %d snapshots\n",
			ui.Pass("✓"), result.Entries, result.Snapshots)
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import unsynced queue entries from a JSONL export",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		result, err := migrate.Import(context.Background(), st, f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: import failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s imported %d mutations (%d skipped)\n",
			ui.Pass("✓"), result.Recorded, result.Skipped)
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s %s\n", ui.Fail("✗"), msg)
		}
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "Filter by status (pending, syncing, synced, failed, conflict)")
	queueListCmd.Flags().String("entity", "", "Filter by entity type")
	queueListCmd.Flags().String("since", "", "Only entries since this time (natural language ok)")
	queueListCmd.Flags().Int("limit", 0, "Maximum entries to show")

	queueExportCmd.Flags().String("format", "jsonl", "Export format (jsonl or yaml)")
	queueExportCmd.Flags().String("out", "", "Output file (default stdout)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}
