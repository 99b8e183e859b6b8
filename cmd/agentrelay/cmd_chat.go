package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/agentrelay/internal/agent"
	"github.com/user/agentrelay/internal/gateway"
	"github.com/user/agentrelay/internal/permission"
	"github.com/user/agentrelay/internal/state"
	"github.com/user/agentrelay/internal/types"
	"github.com/user/agentrelay/internal/upstream"
)

var (
	chatSessionID string
	chatDir       string
)

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "resume an existing session")
	chatCmd.Flags().StringVar(&chatDir, "dir", "", "working directory for the agent")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send one prompt to the agent and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	prompt := strings.Join(args, " ")
	dir := chatDir
	if dir == "" {
		dir = cfg.Agent.Dir
	}

	store := state.NewStore(cfg.DataDir)
	broker := permission.NewBroker()

	factory := func(ctx context.Context, prompt string, resume types.SessionID) (gateway.ChatSource, error) {
		return upstream.StartProcess(ctx, upstream.ProcessOptions{
			Command:        cfg.Agent.Command,
			Dir:            dir,
			Resume:         string(resume),
			PermissionMode: cfg.Agent.PermissionMode,
		}, prompt)
	}

	gw := gateway.New(store, broker, factory, cfg.Agent.Model, 1)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw.Start(ctx)
	defer gw.Stop()

	done := make(chan struct{})
	run, err := gw.Chat(types.SessionID(chatSessionID), prompt,
		gateway.WithOnEvent(func(e agent.Event) { printEvent(e, broker) }),
		gateway.WithOnComplete(func(*gateway.Run, string) { close(done) }),
	)
	if err != nil {
		return fmt.Errorf("start chat: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\ninterrupted")
		return nil
	}

	if id := run.SessionID(); chatSessionID == "" && id != "" {
		fmt.Fprintf(os.Stderr, "\nsession: %s (resume with --session %s)\n", id, id)
	}
	return nil
}

func printEvent(event agent.Event, broker *permission.Broker) {
	switch e := event.(type) {
	case agent.TextDelta:
		fmt.Print(e.Text)

	case agent.TextComplete:
		fmt.Println()

	case agent.ToolStart:
		label := e.ToolName
		if e.DisplayName != "" {
			label = e.DisplayName
		}
		if e.Intent != "" {
			fmt.Printf("[%s] %s\n", label, e.Intent)
		} else {
			fmt.Printf("[%s]\n", label)
		}

	case agent.ToolResult:
		if e.IsError {
			fmt.Printf("[%s failed] %s\n", e.ToolName, firstLine(e.Result))
		}

	case agent.Status:
		fmt.Fprintf(os.Stderr, "-- %s\n", e.Message)

	case agent.Info:
		fmt.Fprintf(os.Stderr, "-- %s\n", e.Message)

	case agent.Error:
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Message)

	case agent.PermissionRequest:
		go promptPermission(e, broker)

	case agent.Complete:
		if e.Usage != nil {
			fmt.Fprintf(os.Stderr, "\ncost: $%.4f (in: %d, out: %d)\n",
				e.Usage.CostUSD, e.Usage.InputTokens, e.Usage.OutputTokens)
		}
	}
}

func promptPermission(req agent.PermissionRequest, broker *permission.Broker) {
	fmt.Fprintf(os.Stderr, "\nAllow tool %q? [y/N]: ", req.ToolName)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	if err == nil && (answer == "y" || answer == "yes") {
		broker.Resolve(req.RequestID, permission.Decision{Behavior: permission.BehaviorAllow})
		return
	}
	broker.Resolve(req.RequestID, permission.Decision{
		Behavior: permission.BehaviorDeny,
		Message:  "denied at the terminal",
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
