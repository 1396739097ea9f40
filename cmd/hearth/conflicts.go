package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/config"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/schema"
	"github.com/hearthsync/hearth/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	Long: `List unresolved conflicts.

When the daemon is not running the local database is read directly.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := loadSettings()
		conflicts, err := listConflicts(context.Background(), s)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			if conflicts == nil {
				conflicts = []*schema.Conflict{}
			}
			printJSON(conflicts)
			return
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No unresolved conflicts\n", ui.RenderPass(ui.IconPass))
			return
		}
		for _, cf := range conflicts {
			printConflict(cf)
		}
		fmt.Printf("\nResolve with: hearth conflicts resolve <id>\n")
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict with a strategy.

Without --strategy on a terminal, an interactive form shows both versions
and asks which to keep. A manual resolution takes the final document as
--data (or edited in the form).

Strategies: last_writer_wins (lww), local_wins (ours), remote_wins (theirs),
merge, manual.

Example usage:
  hearth conflicts resolve 3f2a... --strategy ours
  hearth conflicts resolve 3f2a... --strategy manual --data '{"qty":4}'`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		strategyFlag, _ := cmd.Flags().GetString("strategy")
		data, _ := cmd.Flags().GetString("data")
		by, _ := cmd.Flags().GetString("by")

		s := loadSettings()
		c := newClient(s)
		ctx := context.Background()
		id := args[0]

		req := schema.ResolutionRequest{ResolvedBy: by}
		if data != "" {
			if !json.Valid([]byte(data)) {
				fatalf("--data is not valid JSON")
			}
			req.Data = json.RawMessage(data)
		}

		if strategyFlag != "" {
			st, err := schema.ParseStrategy(strategyFlag)
			if err != nil {
				fatalf("%v", err)
			}
			req.Strategy = st
		} else {
			if !ui.IsInteractive() {
				fatalf("--strategy is required when not running in a terminal")
			}
			cf, err := findConflict(ctx, s, id)
			if err != nil {
				fatalf("%v", err)
			}
			if err := promptResolution(cf, &req); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(os.Stderr, "Resolution cancelled.")
					os.Exit(0)
				}
				fatalf("form error: %v", err)
			}
		}
		if req.Strategy == schema.StrategyManual && len(req.Data) == 0 {
			fatalf("a manual resolution needs --data")
		}

		var out struct {
			Resolved bool `json:"resolved"`
		}
		if err := c.post(ctx, "/conflicts/"+url.PathEscape(id)+"/resolve", req, &out); err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(out)
			return
		}
		fmt.Printf("%s Resolved %s with %s\n", ui.RenderPass(ui.IconPass), id, req.Strategy)
	},
}

// listConflicts asks the daemon, falling back to the local database when
// it is down.
func listConflicts(ctx context.Context, s *config.Settings) ([]*schema.Conflict, error) {
	var conflicts []*schema.Conflict
	err := newClient(s).get(ctx, "/conflicts", nil, &conflicts)
	if err == nil || !errors.Is(err, errDaemonDown) {
		return conflicts, err
	}

	database, err := openLocalDB(s)
	if err != nil {
		return nil, err
	}
	defer database.Close()
	return database.ListConflicts(ctx, s.FamilyID, schema.StatusUnresolved)
}

func findConflict(ctx context.Context, s *config.Settings, id string) (*schema.Conflict, error) {
	conflicts, err := listConflicts(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, cf := range conflicts {
		if cf.ID == id {
			return cf, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", schema.ErrConflictNotFound, id)
}

// openLocalDB opens this device's database for read-only commands.
func openLocalDB(s *config.Settings) (*db.DB, error) {
	if err := s.RequireFamily(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.Database); err != nil {
		return nil, fmt.Errorf("no local database at %s (run 'hearth init')", s.Database)
	}
	return db.Open(s.Database)
}

func printConflict(cf *schema.Conflict) {
	fmt.Printf("%s %s/%s %s\n", ui.RenderWarn(ui.IconWarn), cf.Collection, cf.RecordID, ui.RenderMuted(string(cf.Type)))
	fmt.Printf("  ID:     %s\n", cf.ID)
	fmt.Printf("  Local:  %s\n", describeVersion(cf.LocalVersion))
	fmt.Printf("  Remote: %s\n", describeVersion(cf.RemoteVersion))
	if len(cf.FailedStrategies) > 0 {
		failed := make([]string, len(cf.FailedStrategies))
		for i, st := range cf.FailedStrategies {
			failed[i] = string(st)
		}
		fmt.Printf("  Failed: %s (%s)\n", strings.Join(failed, ", "), cf.LastError)
	}
}

func describeVersion(v schema.Version) string {
	body := string(v.Data)
	if v.Kind == schema.OpDelete {
		body = ui.RenderFail("deleted")
	}
	return fmt.Sprintf("%s %s %s", body, ui.RenderMuted("by "+v.ModifiedBy), ui.RenderMuted(v.Timestamp.Local().Format("15:04:05")))
}

// promptResolution fills req from an interactive form.
func promptResolution(cf *schema.Conflict, req *schema.ResolutionRequest) error {
	printConflict(cf)
	fmt.Println()

	options := []huh.Option[schema.Strategy]{
		huh.NewOption("Keep mine (local)", schema.StrategyLocalWins),
		huh.NewOption("Keep theirs (remote)", schema.StrategyRemoteWins),
	}
	if cf.Type != schema.ConflictDeleted {
		options = append(options, huh.NewOption("Newest edit wins", schema.StrategyLastWriterWins))
	}
	if cf.Type == schema.ConflictConcurrentModification {
		options = append(options, huh.NewOption("Merge fields", schema.StrategyMerge))
	}
	options = append(options, huh.NewOption("Edit by hand", schema.StrategyManual))

	var strategy schema.Strategy
	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[schema.Strategy]().
			Title("How should this conflict be resolved?").
			Options(options...).
			Value(&strategy),
	)).Run(); err != nil {
		return err
	}
	req.Strategy = strategy
	if strategy != schema.StrategyManual || len(req.Data) > 0 {
		return nil
	}

	doc := string(cf.LocalVersion.Data)
	if doc == "" {
		doc = string(cf.RemoteVersion.Data)
	}
	confirmed := true
	if err := huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title("Final document").
			Description("JSON object that both devices will keep").
			CharLimit(10000).
			Value(&doc).
			Validate(func(s string) error {
				if !json.Valid([]byte(s)) {
					return fmt.Errorf("not valid JSON")
				}
				return nil
			}),
		huh.NewConfirm().
			Title("Apply this resolution?").
			Affirmative("Apply").
			Negative("Cancel").
			Value(&confirmed),
	)).Run(); err != nil {
		return err
	}
	if !confirmed {
		return huh.ErrUserAborted
	}
	req.Data = json.RawMessage(doc)
	return nil
}

func init() {
	conflictsResolveCmd.Flags().StringP("strategy", "s", "", "Resolution strategy")
	conflictsResolveCmd.Flags().String("data", "", "Final JSON document for a manual resolution")
	conflictsResolveCmd.Flags().String("by", os.Getenv("USER"), "Who resolved the conflict")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
