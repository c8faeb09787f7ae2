// Package main provides the loom CLI: a small front end over the agent
// kernel for running chats, inspecting stored agents, and tailing event
// logs.
//
// Basic usage:
//
//	loom chat --id dev --data ~/.loom
//	loom agents --data ~/.loom
//	loom events --id dev --data ~/.loom
//
// Provider credentials come from the environment:
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Loom agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildChatCmd(),
		buildAgentsCmd(),
		buildEventsCmd(),
		buildForkCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (%s)\n", version, commit)
		},
	}
}

// newLogger builds the process logger. Debug switches to text at debug
// level; the default is terse.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
