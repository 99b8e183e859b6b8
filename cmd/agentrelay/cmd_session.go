package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentrelay/internal/state"
	"github.com/user/agentrelay/internal/tokens"
	"github.com/user/agentrelay/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionTailCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewStore(cfg.DataDir)

		list, err := store.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTIVE\tTURN\tCOST\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%t\t%d\t$%.4f\t%s\n",
				s.SessionID,
				s.State.IsActive,
				s.State.CurrentTurn,
				s.State.TotalCostUSD,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewStore(cfg.DataDir)

		log, err := store.Read(context.Background(), types.SessionID(args[0]))
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("session not found: %s", args[0])
			}
			return fmt.Errorf("read session: %w", err)
		}

		meta := log.Metadata
		fmt.Printf("Session: %s\n", meta.SessionID)
		fmt.Printf("Model:   %s\n", meta.Config.Model)
		fmt.Printf("Turns:   %d\n", meta.State.CurrentTurn)
		fmt.Printf("Cost:    $%.4f\n", meta.State.TotalCostUSD)

		if estimator, err := tokens.NewEstimator(meta.Config.Model); err == nil {
			stats := estimator.Transcript(log.Messages)
			fmt.Printf("Tokens:  ~%d across %d messages\n", stats.TotalTokens, stats.Messages)
		}
		fmt.Println()

		for _, msg := range log.Messages {
			printMessage(msg)
		}
		return nil
	},
}

var sessionTailCmd = &cobra.Command{
	Use:   "tail <id>",
	Short: "Follow a session transcript as it grows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewStore(cfg.DataDir)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		messages, err := store.Follow(ctx, types.SessionID(args[0]))
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("session not found: %s", args[0])
			}
			return fmt.Errorf("follow session: %w", err)
		}

		for msg := range messages {
			printMessage(msg)
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a session log or all session logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		if args[0] == "all" {
			sessionsDir := filepath.Join(cfg.DataDir, "sessions")
			if err := os.RemoveAll(sessionsDir); err != nil {
				return fmt.Errorf("remove sessions directory: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		store := state.NewStore(cfg.DataDir)
		if err := store.Delete(context.Background(), types.SessionID(args[0])); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("session not found: %s", args[0])
			}
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
		return nil
	},
}

func printMessage(msg *types.ChatMessage) {
	stamp := msg.Timestamp.Format("15:04:05")
	switch msg.Role {
	case types.RoleTool:
		status := msg.ToolStatus
		fmt.Printf("[%s] tool %s (%s)\n", stamp, msg.ToolName, status)
		if msg.ToolResult != "" {
			fmt.Printf("  %s\n", indent(msg.ToolResult))
		}
	case types.RoleError:
		fmt.Printf("[%s] error: %s\n", stamp, msg.Content)
	default:
		fmt.Printf("[%s] %s: %s\n", stamp, msg.Role, msg.Content)
	}
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
