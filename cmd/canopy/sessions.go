package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/canopy/internal/config"
	"github.com/aretw0/canopy/pkg/domain"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the checkpoint store",
	Run: func(cmd *cobra.Command, args []string) {
		if err := listSessions(cmd); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Show the latest checkpoint status of a session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := showStatus(cmd, args[0]); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
}

func listSessions(cmd *cobra.Command) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store, _, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	ids, err := store.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func showStatus(cmd *cobra.Command, sessionID string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store, _, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	latest, err := store.Latest(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(domain.StatusOf(latest), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
