package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
	"github.com/hearthsync/hearth/internal/ui"
)

var submitCmd = &cobra.Command{
	Use:     "submit <create|update|delete> <collection> <record-id> [json]",
	GroupID: "sync",
	Short:   "Queue a mutation on a shared record",
	Long: `Queue a local mutation through the running daemon.

Updates patch top-level fields: fields present in the payload replace the
stored ones, the rest are kept. Use '-' as the payload to read it from stdin.

Example usage:
  hearth submit create shopping milk '{"name":"milk","qty":2}'
  hearth submit update shopping milk '{"qty":3}'
  hearth submit delete shopping milk`,
	Args: cobra.RangeArgs(3, 4),
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := schema.ParseOpKind(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		var payload json.RawMessage
		if len(args) == 4 {
			data := []byte(args[3])
			if args[3] == "-" {
				if data, err = io.ReadAll(os.Stdin); err != nil {
					fatalf("failed to read payload: %v", err)
				}
			}
			if !json.Valid(data) {
				fatalf("payload is not valid JSON")
			}
			payload = data
		} else if kind != schema.OpDelete {
			fatalf("%s needs a JSON payload", kind)
		}

		c := newClient(loadSettings())
		var out struct {
			OperationID string `json:"operation_id"`
		}
		err = c.post(context.Background(), "/mutations", dashboard.MutationRequest{
			Collection: args[1],
			RecordID:   args[2],
			Kind:       kind,
			Payload:    payload,
		}, &out)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(out)
			return
		}
		fmt.Printf("%s Queued %s of %s/%s (%s)\n", ui.RenderPass(ui.IconPass), kind, args[1], args[2], ui.RenderMuted(out.OperationID))
	},
}

var showCmd = &cobra.Command{
	Use:     "show <collection> <record-id>",
	GroupID: "sync",
	Short:   "Show this device's view of a record",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(loadSettings())
		var rec db.Record
		if err := c.get(context.Background(), "/records/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]), nil, &rec); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(rec)
			return
		}
		fmt.Printf("%s/%s\n", ui.RenderAccent(rec.Collection), ui.RenderAccent(rec.RecordID))
		if rec.Deleted {
			fmt.Printf("  %s\n", ui.RenderWarn("deleted"))
		} else {
			fmt.Printf("  Data:       %s\n", rec.Data)
		}
		fmt.Printf("  Updated by: %s at %s\n", rec.UpdatedBy, rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if rec.BaseOpID != "" {
			fmt.Printf("  Base op:    %s\n", ui.RenderMuted(rec.BaseOpID))
		}
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(showCmd)
}
