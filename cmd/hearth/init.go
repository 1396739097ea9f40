package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hearthsync/hearth/internal/config"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Set up this device for a family",
	Long: `Write a default config.yaml, create the device identity and the local
database.

The store directory is the folder every device of the family shares (a
synced folder or network mount). Each device keeps its own database.

Example usage:
  hearth init --family smiths --store ~/Dropbox/hearth
  hearth init --family smiths --collections shopping,chores --name kitchen`,
	Run: func(cmd *cobra.Command, args []string) {
		family, _ := cmd.Flags().GetString("family")
		storeDir, _ := cmd.Flags().GetString("store")
		collections, _ := cmd.Flags().GetStringSlice("collections")
		name, _ := cmd.Flags().GetString("name")
		force, _ := cmd.Flags().GetBool("force")

		if family == "" {
			fatalf("--family is required")
		}

		home, err := config.Home()
		if err != nil {
			fatalf("%v", err)
		}
		path := configPath
		if path == "" {
			path = filepath.Join(home, config.FileName)
		}

		s := config.Default(home)
		s.FamilyID = family
		if storeDir != "" {
			abs, err := filepath.Abs(storeDir)
			if err != nil {
				fatalf("invalid store directory: %v", err)
			}
			s.Store.Dir = abs
		}
		if len(collections) > 0 {
			s.Collections = collections
		}
		if err := s.Validate(); err != nil {
			fatalf("%v", err)
		}
		if err := s.Write(path, force); err != nil {
			fatalf("%v", err)
		}

		dev, created, err := config.LoadOrCreateDevice(s.DeviceFile, name)
		if err != nil {
			fatalf("%v", err)
		}

		if err := os.MkdirAll(s.Store.Dir, 0o755); err != nil {
			fatalf("failed to create store directory: %v", err)
		}
		database, err := db.Open(s.Database)
		if err != nil {
			fatalf("%v", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Initialized hearth for family %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(family))
		fmt.Printf("  Config:   %s\n", path)
		fmt.Printf("  Database: %s\n", s.Database)
		fmt.Printf("  Store:    %s\n", s.Store.Dir)
		if created {
			fmt.Printf("  Device:   %s (new)\n", dev.DeviceID)
		} else {
			fmt.Printf("  Device:   %s\n", dev.DeviceID)
		}
		fmt.Println("\nStart syncing with: hearth daemon")
	},
}

func init() {
	initCmd.Flags().String("family", "", "Family ID shared by every device")
	initCmd.Flags().String("store", "", "Shared store directory")
	initCmd.Flags().StringSlice("collections", nil, "Collections to sync (comma-separated)")
	initCmd.Flags().String("name", "", "Human-readable device name")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	rootCmd.AddCommand(initCmd)
}
