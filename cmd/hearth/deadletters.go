package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/config"
	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/ui"
)

var deadlettersCmd = &cobra.Command{
	Use:     "deadletters",
	GroupID: "sync",
	Short:   "Inspect and retry operations the store kept rejecting",
	Long: `Operations that failed too many times in a row are parked as dead
letters. They stay on this device, block later edits to the same record,
and are retried only on request.

When the daemon is not running the local database is used directly; a
revived operation is sent on the next daemon start.`,
}

var deadlettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	Run: func(cmd *cobra.Command, args []string) {
		dead, err := listDeadLetters(context.Background(), loadSettings())
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(dead)
			return
		}
		if len(dead) == 0 {
			fmt.Printf("%s No dead letters\n", ui.RenderPass(ui.IconPass))
			return
		}
		for _, d := range dead {
			fmt.Printf("%s %s %s/%s %s\n", ui.RenderFail(ui.IconFail), d.Operation.Kind, d.Operation.Collection, d.Operation.RecordID, ui.RenderMuted(d.Operation.ID))
			fmt.Printf("  Attempts:   %d\n", d.Attempts)
			fmt.Printf("  Last error: %s\n", d.LastError)
			fmt.Printf("  Queued:     %s\n", d.QueuedAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\nRetry with: hearth deadletters retry <operation-id>\n")
	},
}

var deadlettersRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Put a dead-lettered operation back in the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := loadSettings()
		ctx := context.Background()
		id := args[0]

		err := newClient(s).post(ctx, "/deadletters/"+url.PathEscape(id)+"/retry", nil, nil)
		if errors.Is(err, errDaemonDown) {
			err = reviveOffline(ctx, s, id)
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Requeued %s\n", ui.RenderPass(ui.IconPass), id)
	},
}

func listDeadLetters(ctx context.Context, s *config.Settings) ([]dashboard.DeadLetter, error) {
	dead := []dashboard.DeadLetter{}
	err := newClient(s).get(ctx, "/deadletters", nil, &dead)
	if err == nil || !errors.Is(err, errDaemonDown) {
		return dead, err
	}

	database, err := openLocalDB(s)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	rows, err := database.ListDeadLetters(ctx, s.FamilyID)
	if err != nil {
		return nil, err
	}
	for _, p := range rows {
		dead = append(dead, dashboard.DeadLetter{
			Operation: p.Op,
			Attempts:  p.Attempts,
			LastError: p.LastError,
			QueuedAt:  p.EnqueuedAt,
		})
	}
	return dead, nil
}

func reviveOffline(ctx context.Context, s *config.Settings, id string) error {
	database, err := openLocalDB(s)
	if err != nil {
		return err
	}
	defer database.Close()
	return database.RevivePendingOp(ctx, id)
}

func init() {
	deadlettersCmd.AddCommand(deadlettersListCmd)
	deadlettersCmd.AddCommand(deadlettersRetryCmd)
	rootCmd.AddCommand(deadlettersCmd)
}
