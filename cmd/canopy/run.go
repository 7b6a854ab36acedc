package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aretw0/canopy"
	"github.com/aretw0/canopy/internal/config"
	"github.com/aretw0/canopy/pkg/domain"
)

// runCmd drives the built-in assistant graph from the terminal.
var runCmd = &cobra.Command{
	Use:   "run [question]",
	Short: "Run the built-in assistant graph",
	Long: `Starts a run of the built-in research assistant graph and waits for it to
stop. A run that suspends for approval prints the resume command to use.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runAssistant(cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("session", "", "Session ID (generated when omitted)")
	runCmd.Flags().Bool("resume", false, "Resume an interrupted session instead of starting one")
	runCmd.Flags().Bool("recover", false, "Re-enter a session whose previous run stopped mid-flight")
	runCmd.Flags().String("input", "", "JSON object merged into state on resume")
}

func runAssistant(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store, locker, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	g, err := buildAssistantGraph()
	if err != nil {
		return err
	}

	opts := []canopy.Option{
		canopy.WithStore(store),
		canopy.WithLogger(newLogger(cmd)),
		canopy.WithDefaultNodeTimeout(cfg.Engine.NodeTimeout.Std()),
	}
	if locker != nil {
		opts = append(opts, canopy.WithLocker(locker))
	}
	engine := canopy.New(g, opts...)

	sessionID, _ := cmd.Flags().GetString("session")
	resume, _ := cmd.Flags().GetBool("resume")
	reenter, _ := cmd.Flags().GetBool("recover")

	ctx := cmd.Context()

	var run *canopy.RunHandle
	switch {
	case resume:
		if sessionID == "" {
			return fmt.Errorf("--resume requires --session")
		}
		input, err := parseInput(cmd)
		if err != nil {
			return err
		}
		run, err = engine.Resume(ctx, sessionID, input)
		if err != nil {
			return err
		}
	case reenter:
		if sessionID == "" {
			return fmt.Errorf("--recover requires --session")
		}
		run, err = engine.Recover(ctx, sessionID)
		if err != nil {
			return err
		}
	default:
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		question := strings.Join(args, " ")
		if question == "" {
			return fmt.Errorf("a question is required to start a run")
		}
		run, err = engine.Start(ctx, sessionID, map[string]any{"question": question})
		if err != nil {
			return err
		}
	}

	final, err := run.Wait(ctx)
	if err != nil {
		return err
	}
	return printOutcome(final)
}

func parseInput(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString("input")
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("parse --input: %w", err)
	}
	return input, nil
}

func printOutcome(final *domain.Checkpoint) error {
	fmt.Printf("session %s stopped at step %d: %s\n", final.SessionID, final.Step, final.Status)

	switch final.Status {
	case domain.StatusInterrupted:
		fmt.Printf("waiting on %q; resume with:\n", final.PendingNode)
		fmt.Printf("  canopy run --resume --session %s --input '{\"approved\": true}'\n", final.SessionID)
	case domain.StatusFailed:
		fmt.Printf("failure reason: %s\n", final.Reason)
	}

	out, err := json.MarshalIndent(final.State, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
