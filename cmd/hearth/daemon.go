package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/config"
	"github.com/hearthsync/hearth/internal/engine/coordinator"
	"github.com/hearthsync/hearth/internal/engine/dashboard"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/logging"
	"github.com/hearthsync/hearth/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine for this device",
	Long: `Run the sync engine in the foreground.

The daemon keeps the local database in sync with the shared store directory:
it transmits queued local mutations, applies changes made by other devices,
detects and resolves conflicts, and publishes this device's presence.

Unless disabled, it also serves the local control API and a WebSocket event
stream that the other hearth commands talk to.

Example usage:
  hearth daemon
  hearth daemon --port 9000
  hearth daemon --no-dashboard`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		probe, _ := cmd.Flags().GetDuration("probe-interval")

		s := loadSettings()
		if err := s.RequireFamily(); err != nil {
			fatalf("%v", err)
		}
		if cmd.Flags().Changed("port") {
			s.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		logs, err := logging.New(s.Logging(true))
		if err != nil {
			fatalf("%v", err)
		}
		defer logs.Close()
		logger := logs.For("daemon")

		if err := runDaemon(s, logs, !noDashboard, probe); err != nil {
			logger.Printf("Exiting: %v", err)
			fatalf("%v", err)
		}
	},
}

func runDaemon(s *config.Settings, logs *logging.Logging, withDashboard bool, probe time.Duration) error {
	logger := logs.For("daemon")

	dev, created, err := config.LoadOrCreateDevice(s.DeviceFile, "")
	if err != nil {
		return err
	}
	if created {
		logger.Printf("Created device identity %s", dev.DeviceID)
	}

	database, err := db.Open(s.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		return err
	}

	store, err := remote.NewFileStore(s.Store.Dir, logs.For("store"))
	if err != nil {
		return err
	}

	engine, err := coordinator.New(store, database, s.Coordinator(dev, Version, logs.For))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	logger.Printf("Syncing family %s as device %s (%v)", s.FamilyID, dev.DeviceID, s.Collections)

	var (
		server  *dashboard.Server
		handler *dashboard.Handler
	)
	if withDashboard {
		server = dashboard.NewServer(engine, s.DashboardConfig(logs.For("dashboard")))
		if err := server.Start(); err != nil {
			_ = engine.Stop(context.Background())
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		handler = dashboard.NewHandler(server, engine, logs.For("dashboard"))
		handler.Attach()
		fmt.Printf("%s Control API on http://%s\n", ui.RenderPass(ui.IconPass), server.GetAddr())
	}
	fmt.Println("Press Ctrl+C to stop...")

	if probe > 0 {
		go watchStore(ctx, store, engine, probe, logger)
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	if handler != nil {
		handler.Detach()
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Printf("Warning: dashboard shutdown: %v", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop sync engine: %w", err)
	}
	fmt.Println("Stopped")
	return nil
}

// watchStore flips the engine offline while the store directory is
// unreachable, e.g. an unmounted network share.
func watchStore(ctx context.Context, store *remote.FileStore, engine *coordinator.Coordinator, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := os.Stat(store.Root())
			reachable := err == nil
			if reachable == engine.Online() {
				continue
			}
			if !reachable {
				logger.Printf("Store %s unreachable, going offline: %v", store.Root(), err)
			} else {
				logger.Printf("Store %s reachable again", store.Root())
			}
			if err := engine.SetOnline(ctx, reachable); err != nil && ctx.Err() == nil {
				logger.Printf("Warning: failed to change connectivity: %v", err)
			}
		}
	}
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 7420, "Control API port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not serve the control API")
	daemonCmd.Flags().Duration("probe-interval", 10*time.Second, "How often to check that the store is reachable (0 disables)")

	rootCmd.AddCommand(daemonCmd)
}
