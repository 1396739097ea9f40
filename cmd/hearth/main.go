// Command hearth runs and controls the family sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/config"
	"github.com/hearthsync/hearth/internal/ui"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

var (
	configPath string
	daemonAddr string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "hearth",
	Short:         "Keep a family's shared lists and calendars in sync across devices",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "sync", Title: "Sync & Data:"},
		&cobra.Group{ID: "views", Title: "Views & Monitoring:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $HEARTH_HOME/config.yaml or ~/.hearth/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "Daemon address host:port (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

// loadSettings reads the configuration or exits.
func loadSettings() *config.Settings {
	s, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	return s
}

// fatalf prints an error and exits with status 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatalf("%v", err)
	}
}
