package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/engine/schema"
	"github.com/hearthsync/hearth/internal/ui"
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "views",
	Short:   "Show recent sync events",
	Long: `Show the daemon's recent sync events.

--since accepts an RFC 3339 time, a duration ("15m" means 15 minutes ago)
or natural language ("2 hours ago", "yesterday at 9am").

Example usage:
  hearth events
  hearth events --since "1 hour ago" --type conflict_detected`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		types, _ := cmd.Flags().GetStringSlice("type")

		q := url.Values{}
		if sinceText != "" {
			since, err := parseSince(sinceText, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			q.Set("since", since.UTC().Format(time.RFC3339Nano))
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}

		var events []schema.Event
		if err := newClient(loadSettings()).get(context.Background(), "/events", q, &events); err != nil {
			fatalf("%v", err)
		}
		events = filterEvents(events, types)

		if jsonOutput {
			if events == nil {
				events = []schema.Event{}
			}
			printJSON(events)
			return
		}
		for _, ev := range events {
			fmt.Println(formatEvent(ev))
		}
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "views",
	Short:   "Stream sync events live",
	Run: func(cmd *cobra.Command, args []string) {
		types, _ := cmd.Flags().GetStringSlice("type")
		c := newClient(loadSettings())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
		if err != nil {
			fatalf("failed to connect to %s: %v", c.wsURL(), err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", c.wsURL())

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fatalf("connection lost: %v", err)
			}

			var msg dashboard.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if jsonOutput {
				fmt.Println(string(data))
				continue
			}

			switch msg.Type {
			case dashboard.MessageTypeEvent:
				var ev schema.Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					continue
				}
				if len(filterEvents([]schema.Event{ev}, types)) == 1 {
					fmt.Println(formatEvent(ev))
				}
			case dashboard.MessageTypeMetrics:
				var m schema.SyncMetrics
				if err := json.Unmarshal(msg.Data, &m); err != nil {
					continue
				}
				fmt.Println(ui.RenderMuted(fmt.Sprintf("-- %s, %d queued, %d dead, %d/%d conflicts resolved",
					m.State, m.QueueDepth, m.DeadLetters, m.ResolvedCount, m.ConflictCount)))
			}
		}
	},
}

// parseSince turns user input into a point in time before now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", text)
	}
	return r.Time, nil
}

func filterEvents(events []schema.Event, types []string) []schema.Event {
	if len(types) == 0 {
		return events
	}
	var out []schema.Event
	for _, ev := range events {
		for _, t := range types {
			if string(ev.Type) == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func formatEvent(ev schema.Event) string {
	var icon string
	switch ev.Type {
	case schema.EventOpAcknowledged, schema.EventConflictResolved, schema.EventOpRevived:
		icon = ui.RenderPass(ui.IconPass)
	case schema.EventConflictDetected, schema.EventOpRetry, schema.EventResync:
		icon = ui.RenderWarn(ui.IconWarn)
	case schema.EventOpDeadLettered, schema.EventResolutionFailed, schema.EventError:
		icon = ui.RenderFail(ui.IconFail)
	default:
		icon = ui.RenderAccent(ui.IconInfo)
	}

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var details []string
	for _, k := range keys {
		details = append(details, fmt.Sprintf("%s=%v", k, ev.Data[k]))
	}

	return fmt.Sprintf("%s %s %-18s %-11s %s %s",
		ui.RenderMuted(fmt.Sprintf("%6d", ev.Seq)),
		ev.Timestamp.Local().Format("15:04:05.000"),
		string(ev.Type),
		ev.Module,
		icon,
		ui.RenderMuted(strings.Join(details, " ")))
}

func init() {
	eventsCmd.Flags().String("since", "", "Only events after this time")
	eventsCmd.Flags().IntP("limit", "n", 50, "Maximum number of events (0 for all retained)")
	eventsCmd.Flags().StringSlice("type", nil, "Only these event types")
	watchCmd.Flags().StringSlice("type", nil, "Only these event types")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(watchCmd)
}
