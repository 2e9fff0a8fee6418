package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record <entity-type> <create|update|delete>",
	GroupID: "records",
	Short:   "Record a mutation into the local queue",
	Long: `Record a mutation. The write lands in the durable queue and the local
snapshot cache immediately; it reaches the remote authority on the next sync.

Entity types: animal, milk_record, weight_record, health_event

Example usage:
  ganadero record animal create --payload '{"tag":"A-104","breed":"holstein"}'
  ganadero record animal update --id 3f1c... --payload-file updated.json
  ganadero record milk_record delete --id 9d2e...
  ganadero record health_event create --payload-file event.json --spool`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		entityType := record.EntityType(args[0])
		op := record.Op(args[1])
		if err := entityType.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := op.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		externalID, _ := cmd.Flags().GetString("id")
		if externalID == "" {
			if op != record.OpCreate {
				fmt.Fprintf(os.Stderr, "Error: --id is required for %s\n", op)
				os.Exit(1)
			}
			externalID = record.NewExternalID()
		}

		payload, err := readPayloadFlags(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if op != record.OpDelete {
			if err := record.ValidPayload(payload); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if spool, _ := cmd.Flags().GetBool("spool"); spool {
			writeToSpool(entityType, op, externalID, payload)
			return
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		entry, err := st.RecordMutation(context.Background(), op, entityType, externalID, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to record mutation: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s queued %s %s (entry %d)\n", ui.Pass("✓"), op, entityType, entry.ID)
		fmt.Printf("  id: %s\n", ui.Accent(entry.ExternalID))
	},
}

func readPayloadFlags(cmd *cobra.Command) ([]byte, error) {
	inline, _ := cmd.Flags().GetString("payload")
	file, _ := cmd.Flags().GetString("payload-file")
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case inline != "":
		return []byte(inline), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		return data, nil
	default:
		return nil, nil
	}
}

// writeToSpool drops the mutation as a file for the daemon to ingest instead
// of writing to the database directly. Useful when another process holds the
// store open.
func writeToSpool(entityType record.EntityType, op record.Op, externalID string, payload []byte) {
	dir := spoolDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "Error: spool.dir is not configured")
		os.Exit(1)
	}
	m := &record.MutationFile{
		ExternalID: externalID,
		EntityType: entityType,
		Op:         op,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}
	path, err := record.WriteMutationFile(dir, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write spool file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s spooled %s %s\n", ui.Pass("✓"), op, entityType)
	fmt.Printf("  id: %s\n", ui.Accent(externalID))
	fmt.Printf("  file: %s\n", ui.Dim(path))
}

func init() {
	recordCmd.Flags().String("id", "", "Entity id (generated for create when omitted)")
	recordCmd.Flags().String("payload", "", "Inline JSON payload")
	recordCmd.Flags().String("payload-file", "", "Path to a JSON payload file")
	recordCmd.Flags().Bool("spool", false, "Write to the spool directory instead of the store")

	rootCmd.AddCommand(recordCmd)
}
