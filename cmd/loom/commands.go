package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/permissions"
	"github.com/loomworks/loom/pkg/pool"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/provider/anthropic"
	"github.com/loomworks/loom/pkg/provider/openai"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/store/filestore"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func openStore(dataDir string) (store.Store, error) {
	return filestore.Open(dataDir)
}

// buildProvider selects the model provider from the name and environment.
func buildProvider(name, model string) (provider.ModelProvider, error) {
	switch name {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			DefaultModel: model,
		})
	case "openai":
		return openai.New(openai.Config{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			DefaultModel: model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic or openai)", name)
	}
}

func buildChatCmd() *cobra.Command {
	var (
		dataDir      string
		configPath   string
		id           string
		providerName string
		model        string
		system       string
		workdir      string
		mode         string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent",
		Long: `Chat with a persistent agent. The agent's history, tool records, and
event log live under the data directory; running chat again with the same id
resumes where the last session stopped.`,
		Example: `  loom chat --id dev
  loom chat --id dev --provider openai --model gpt-4o
  loom chat --id careful --mode approval`,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := configPath != ""
			if !explicit {
				configPath = defaultConfigPath(dataDir)
			}
			fc, err := loadFileConfig(configPath, explicit)
			if err != nil {
				return err
			}
			// File values fill in flags the user did not set.
			opts := chatOptions{
				dataDir:   dataDir,
				id:        id,
				provider:  providerName,
				model:     model,
				system:    system,
				workdir:   workdir,
				mode:      mode,
				debug:     debug,
				templates: fc.poolTemplates(),
			}
			if !cmd.Flags().Changed("provider") && fc.Provider != "" {
				opts.provider = fc.Provider
			}
			if !cmd.Flags().Changed("model") && fc.Model != "" {
				opts.model = fc.Model
			}
			if !cmd.Flags().Changed("system") && fc.System != "" {
				opts.system = fc.System
			}
			if !cmd.Flags().Changed("workdir") && fc.Workdir != "" {
				opts.workdir = fc.Workdir
			}
			if !cmd.Flags().Changed("mode") && fc.Mode != "" {
				opts.mode = fc.Mode
			}
			return runChat(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", defaultDataDir(), "Data directory for durable agent state")
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (default <data>/config.yaml)")
	cmd.Flags().StringVar(&id, "id", "default", "Agent id")
	cmd.Flags().StringVar(&providerName, "provider", "anthropic", "Model provider (anthropic or openai)")
	cmd.Flags().StringVar(&model, "model", "", "Model name (provider default when empty)")
	cmd.Flags().StringVar(&system, "system", "You are a helpful assistant with filesystem and shell tools.", "System prompt for new agents")
	cmd.Flags().StringVar(&workdir, "workdir", ".", "Sandbox root for filesystem and shell tools")
	cmd.Flags().StringVar(&mode, "mode", "readonly", "Permission mode (auto, approval, readonly)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

type chatOptions struct {
	dataDir   string
	id        string
	provider  string
	model     string
	system    string
	workdir   string
	mode      string
	debug     bool
	templates map[string]agent.Config
}

func runChat(ctx context.Context, opts chatOptions) error {
	logger := newLogger(opts.debug)

	st, err := openStore(opts.dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	prov, err := buildProvider(opts.provider, opts.model)
	if err != nil {
		return err
	}

	p, err := pool.New(pool.Config{
		Store:     st,
		Provider:  prov,
		Logger:    logger,
		Templates: opts.templates,
		Sandboxes: func(agentID string) (sandbox.Sandbox, error) {
			return sandbox.NewLocal(opts.workdir, sandbox.WithLogger(logger))
		},
	})
	if err != nil {
		return err
	}
	defer p.Close()
	stop := p.RegisterShutdownHandlers(pool.ShutdownOptions{ForceInterrupt: true, SaveRunningList: true}, func() { os.Exit(0) })
	defer stop()

	exists, err := st.Exists(ctx, opts.id)
	if err != nil {
		return err
	}
	var a *agent.Agent
	if exists {
		a, err = p.ResumeFromStore(ctx, opts.id, nil, agent.ResumeOptions{})
	} else {
		a, err = p.Create(ctx, agent.Config{
			ID:           opts.id,
			SystemPrompt: opts.system,
			Model:        opts.model,
			Permissions:  permissions.Policy{Mode: permissions.Mode(opts.mode)},
			Todo:         agent.TodoConfig{Enabled: true},
		})
	}
	if err != nil {
		return err
	}

	// Stream assistant text as it arrives.
	sub, err := a.Subscribe(ctx, []models.Channel{models.ChannelProgress}, events.SubscribeOptions{})
	if err != nil {
		return err
	}
	defer sub.Close()
	go func() {
		for ev := range sub.Events() {
			switch ev.Type {
			case models.EventTextChunk:
				fmt.Print(ev.Text.Delta)
			case models.EventTextChunkEnd:
				fmt.Println()
			case models.EventToolStart:
				fmt.Printf("[tool %s running]\n", ev.Tool.Name)
			case models.EventToolError:
				fmt.Printf("[tool %s failed: %s]\n", ev.Tool.Name, ev.Tool.Outcome.Error)
			}
		}
	}()

	fmt.Printf("loom chat, agent %q (%s). Ctrl-D to exit.\n", opts.id, opts.provider)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		res, err := a.Chat(ctx, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		for res.Status == agent.ChatPaused {
			res, err = decidePending(ctx, a, scanner, res.PermissionIDs)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				break
			}
		}
	}
	return scanner.Err()
}

// decidePending prompts for each pending permission and waits for the turn
// to finish after the last decision.
func decidePending(ctx context.Context, a *agent.Agent, scanner *bufio.Scanner, ids []string) (*agent.ChatResult, error) {
	for _, id := range ids {
		fmt.Printf("approve tool call %s? [y/N] ", id)
		answer := ""
		if scanner.Scan() {
			answer = strings.TrimSpace(scanner.Text())
		}
		decision := permissions.DecisionDeny
		if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
			decision = permissions.DecisionAllow
		}
		if err := a.Decide(ctx, id, decision, ""); err != nil {
			return nil, err
		}
	}

	// Wait for the loop to settle or pause again.
	for a.Status() == agent.StatusWorking {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	if a.Status() == agent.StatusPaused {
		return &agent.ChatResult{Status: agent.ChatPaused, PermissionIDs: pendingIDs(a)}, nil
	}
	return &agent.ChatResult{Status: agent.ChatOK}, nil
}

func pendingIDs(a *agent.Agent) []string {
	// The permission manager ids are the pending tool call ids.
	var ids []string
	for _, rec := range a.ToolRecords() {
		if rec.State == models.ToolCallApprovalRequired {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func buildAgentsCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List stored agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.List(cmd.Context(), "")
			if err != nil {
				return err
			}
			for _, id := range ids {
				info, err := st.LoadInfo(cmd.Context(), id)
				if err != nil {
					fmt.Printf("%s\t(no metadata)\n", id)
					continue
				}
				fmt.Printf("%s\t%s\t%d messages\tupdated %s\n",
					info.ID, info.Breakpoint, info.MessageCount, info.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", defaultDataDir(), "Data directory")
	return cmd
}

func buildEventsCmd() *cobra.Command {
	var (
		dataDir string
		id      string
		since   uint64
		channel string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print an agent's event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.EventFilter{}
			if since > 0 {
				filter.Since = &models.Bookmark{Seq: since}
			}
			if channel != "" {
				filter.Channels = []models.Channel{models.Channel(channel)}
			}
			evs, err := st.ReadEvents(cmd.Context(), id, filter)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				fmt.Printf("%6d  %-8s  %-22s  %s\n", ev.Cursor, ev.Channel, ev.Type, ev.Time.Format("15:04:05.000"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", defaultDataDir(), "Data directory")
	cmd.Flags().StringVar(&id, "id", "default", "Agent id")
	cmd.Flags().Uint64Var(&since, "since", 0, "Replay after this cursor")
	cmd.Flags().StringVar(&channel, "channel", "", "Filter to one channel (progress, control, monitor)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildForkCmd() *cobra.Command {
	var (
		dataDir  string
		id       string
		snapshot string
		forkID   string
	)
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Fork an agent from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(false)
			st, err := openStore(dataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			// The fork only copies stored state; a scripted provider is
			// enough to satisfy the pool.
			prov, err := buildProvider("anthropic", "")
			if err != nil {
				return err
			}
			p, err := pool.New(pool.Config{Store: st, Provider: prov, Logger: logger})
			if err != nil {
				return err
			}
			defer p.Close()

			a, err := p.Fork(cmd.Context(), id, snapshot, forkID)
			if err != nil {
				return err
			}
			fmt.Printf("forked %s -> %s\n", id, a.ID())
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", defaultDataDir(), "Data directory")
	cmd.Flags().StringVar(&id, "id", "", "Source agent id")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Snapshot id")
	cmd.Flags().StringVar(&forkID, "fork-id", "", "New agent id (generated when empty)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}
