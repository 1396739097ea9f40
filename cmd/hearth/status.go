package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/engine/registry"
	"github.com/hearthsync/hearth/internal/engine/schema"
	"github.com/hearthsync/hearth/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "views",
	Short:   "Show sync state and metrics",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(loadSettings())
		ctx := context.Background()

		var health dashboard.Health
		if err := c.get(ctx, "/health", nil, &health); err != nil {
			fatalf("%v", err)
		}
		var m schema.SyncMetrics
		if err := c.get(ctx, "/metrics", nil, &m); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{"health": health, "metrics": m})
			return
		}

		online := ui.RenderPass("online")
		if !health.Online {
			online = ui.RenderWarn("offline")
		}
		fmt.Printf("Family %s, device %s\n", ui.RenderAccent(health.FamilyID), health.DeviceID)
		fmt.Printf("  State:        %s (%s)\n", ui.RenderState(m.State), online)
		fmt.Printf("  Queue:        %d pending", m.QueueDepth)
		if m.DeadLetters > 0 {
			fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("%d dead", m.DeadLetters)))
		}
		fmt.Println()
		fmt.Printf("  Synced ops:   %d (avg %v)\n", m.SyncCount, m.AvgSyncTime.Round(time.Millisecond))
		fmt.Printf("  Conflicts:    %d detected, %d resolved\n", m.ConflictCount, m.ResolvedCount)
		if !m.LastSuccessfulSync.IsZero() {
			fmt.Printf("  Last sync:    %s\n", m.LastSuccessfulSync.Local().Format("2006-01-02 15:04:05"))
		}
		if m.DroppedEvents > 0 {
			fmt.Printf("  Dropped events: %d\n", m.DroppedEvents)
		}
		if len(m.Errors) > 0 {
			fmt.Printf("\n%s\n", ui.RenderCategory("Recent errors"))
			for _, e := range m.Errors {
				fmt.Printf("  %s %s %s\n", ui.RenderMuted(e.Time.Local().Format("15:04:05")), ui.RenderFail(ui.IconFail), e.Message)
			}
		}
	},
}

var devicesCmd = &cobra.Command{
	Use:     "devices",
	GroupID: "views",
	Short:   "List the family's devices",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient(loadSettings())

		var out struct {
			Self  schema.DeviceInfo   `json:"self"`
			Peers []schema.DeviceInfo `json:"peers"`
		}
		if err := c.get(context.Background(), "/devices", nil, &out); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(out)
			return
		}

		printDevice(out.Self, "(this device)")
		for _, p := range out.Peers {
			note := ""
			if isOutdated(p.AppVersion, out.Self.AppVersion) {
				note = ui.RenderWarn(ui.IconWarn + " outdated")
			}
			printDevice(p, note)
		}
	},
}

func printDevice(d schema.DeviceInfo, note string) {
	seen := "never"
	if !d.LastSeen.IsZero() {
		seen = time.Since(d.LastSeen).Round(time.Second).String() + " ago"
	}
	fmt.Printf("%-38s %-10s %-8s %-10s %s %s\n", d.DeviceID, d.Platform, d.AppVersion, ui.RenderStatus(d.Status), ui.RenderMuted(seen), note)
}

// isOutdated reports whether a peer's version is older than ours. Invalid
// versions are never reported.
func isOutdated(peer, self string) bool {
	pv, err := registry.NormalizeVersion(peer)
	if err != nil {
		return false
	}
	sv, err := registry.NormalizeVersion(self)
	if err != nil {
		return false
	}
	return semver.Compare(pv, sv) < 0
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
}
