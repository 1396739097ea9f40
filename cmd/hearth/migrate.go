package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/migrate"
	"github.com/hearthsync/hearth/internal/engine/schema"
	"github.com/hearthsync/hearth/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <collection>",
	GroupID: "advanced",
	Short:   "Write a collection as JSON Lines",
	Long: `Write this device's view of a collection as JSON Lines, one record per
line. Reads the local database, so the daemon does not need to run.

Example usage:
  hearth export shopping > shopping.jsonl
  hearth export calendar -o calendar.jsonl`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		s := loadSettings()
		database, err := openLocalDB(s)
		if err != nil {
			fatalf("%v", err)
		}
		defer database.Close()

		w := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fatalf("failed to create %s: %v", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := migrate.Export(context.Background(), localRecords{database, s.FamilyID}, args[0], w)
		if err != nil {
			fatalf("%v", err)
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", ui.RenderPass(ui.IconPass), n, output)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <collection> <file.jsonl>",
	GroupID: "advanced",
	Short:   "Create records from a JSON Lines file",
	Long: `Queue one create per line of a JSON Lines file through the running
daemon, so the records reach every device of the family.

Example usage:
  hearth import shopping shopping.jsonl --dry-run
  hearth import shopping shopping.jsonl`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		c := newClient(loadSettings())
		ctx := context.Background()
		if !dryRun {
			if err := c.get(ctx, "/health", nil, nil); err != nil {
				fatalf("%v", err)
			}
		}

		res, err := migrate.Import(ctx, apiSubmitter{c}, migrate.ImportOptions{
			Collection: args[0],
			FromJSONL:  args[1],
			DryRun:     dryRun,
		})
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(res)
			return
		}
		if dryRun {
			fmt.Printf("Would import %d records into %s\n", res.Parsed, args[0])
			return
		}
		fmt.Printf("%s Queued %d of %d records\n", ui.RenderPass(ui.IconPass), res.Submitted, res.Parsed)
		for _, e := range res.Errors {
			fmt.Printf("  %s %s\n", ui.RenderFail(ui.IconFail), e)
		}
		if len(res.Errors) > 0 {
			os.Exit(1)
		}
	},
}

// localRecords reads a family's records straight from the database.
type localRecords struct {
	db       *db.DB
	familyID string
}

func (l localRecords) Records(ctx context.Context, collection string) ([]*db.Record, error) {
	return l.db.ListRecords(ctx, l.familyID, collection)
}

// apiSubmitter queues mutations through the daemon.
type apiSubmitter struct {
	c *client
}

func (a apiSubmitter) SubmitMutation(ctx context.Context, collection, recordID string, kind schema.OpKind, payload json.RawMessage) (string, error) {
	var out struct {
		OperationID string `json:"operation_id"`
	}
	err := a.c.post(ctx, "/mutations", dashboard.MutationRequest{
		Collection: collection,
		RecordID:   recordID,
		Kind:       kind,
		Payload:    payload,
	}, &out)
	return out.OperationID, err
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	importCmd.Flags().Bool("dry-run", false, "Parse the file without queueing anything")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
