// Package agent implements the per-agent execution kernel: the breakpoint
// state machine, the tool dispatcher, context assembly, and the cooperative
// loop that ties the model provider, tools, permissions, and hooks together
// over a durable store.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/permissions"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// ResumeStrategy selects how pending approvals are treated after a crash.
type ResumeStrategy string

const (
	// ResumeCrash seals pending approvals as denied on resume.
	ResumeCrash ResumeStrategy = "crash"

	// ResumeManual leaves pending approvals for the embedder to decide.
	ResumeManual ResumeStrategy = "manual"
)

// ReasoningTransport controls how reasoning blocks travel back to the
// provider on later turns.
type ReasoningTransport string

const (
	// TransportProvider keeps native reasoning blocks.
	TransportProvider ReasoningTransport = "provider"

	// TransportText collapses reasoning into <think> tagged text.
	TransportText ReasoningTransport = "text"

	// TransportOmit drops reasoning from the outgoing context. The durable
	// history is unaffected.
	TransportOmit ReasoningTransport = "omit"
)

// TodoConfig configures the todo surface.
type TodoConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled"`
	RemindIntervalSteps int  `yaml:"remind_interval_steps" json:"remind_interval_steps,omitempty"`

	// ReminderOnStart injects a reminder at startup when the persisted list
	// still has open items, e.g. after a resume.
	ReminderOnStart bool `yaml:"reminder_on_start" json:"reminder_on_start,omitempty"`
}

// ContextConfig bounds the prompt the model sees each turn.
type ContextConfig struct {
	// MaxTokens triggers compression when the estimated history exceeds it.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// CompressToTokens is the target size after compression.
	CompressToTokens int `yaml:"compress_to_tokens" json:"compress_to_tokens,omitempty"`

	// MultimodalKeepRecent is how many recent media-bearing messages keep
	// their bytes inline. Older media collapses to a cache reference.
	MultimodalKeepRecent int `yaml:"multimodal_keep_recent" json:"multimodal_keep_recent,omitempty"`

	// ReasoningTransport defaults to TransportProvider.
	ReasoningTransport ReasoningTransport `yaml:"reasoning_transport" json:"reasoning_transport,omitempty"`
}

// ThinkingConfig enables extended reasoning on supporting models.
type ThinkingConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	BudgetTokens int  `yaml:"budget_tokens" json:"budget_tokens,omitempty"`
}

// SubagentConfig bounds the task_run tool.
type SubagentConfig struct {
	// Templates whitelists the templates reachable via task_run. Empty
	// means any.
	Templates []string `yaml:"templates" json:"templates,omitempty"`

	// Depth is the remaining nesting budget. Zero disables task_run.
	Depth int `yaml:"depth" json:"depth,omitempty"`
}

// ResumeConfig controls crash recovery behavior.
type ResumeConfig struct {
	Strategy ResumeStrategy `yaml:"strategy" json:"strategy,omitempty"`

	// AutoRun restarts the loop immediately after resume.
	AutoRun bool `yaml:"auto_run" json:"auto_run,omitempty"`
}

// Config is one agent's durable configuration. It is hashed into the agent
// metadata so a resume can detect drift.
type Config struct {
	ID           string `yaml:"id" json:"id"`
	Template     string `yaml:"template" json:"template,omitempty"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Model        string `yaml:"model" json:"model,omitempty"`

	// MaxTokens caps each model response.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// ToolFanOut bounds concurrent read-only tool executions per turn.
	ToolFanOut int `yaml:"tool_fan_out" json:"tool_fan_out,omitempty"`

	// ToolTimeout is the default per-call timeout when the tool declares
	// none.
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout,omitempty"`

	Permissions permissions.Policy `yaml:"permissions" json:"permissions"`
	Todo        TodoConfig         `yaml:"todo" json:"todo"`
	Context     ContextConfig      `yaml:"context" json:"context"`
	Thinking    ThinkingConfig     `yaml:"thinking" json:"thinking"`
	Subagents   SubagentConfig     `yaml:"subagents" json:"subagents"`
	Resume      ResumeConfig       `yaml:"resume" json:"resume"`

	// WatchPaths are handed to the file watcher at start.
	WatchPaths []string `yaml:"watch_paths" json:"watch_paths,omitempty"`
}

// Defaults used when Config leaves fields zero.
const (
	DefaultToolFanOut           = 4
	DefaultToolTimeout          = 2 * time.Minute
	DefaultContextMaxTokens     = 160000
	DefaultCompressToTokens     = 40000
	DefaultMultimodalKeepRecent = 3
)

// sanitize fills defaults in place and validates the parts that cannot be
// defaulted.
func (c *Config) sanitize() error {
	if c.ID == "" {
		return fmt.Errorf("agent: config requires an id")
	}
	if c.ToolFanOut <= 0 {
		c.ToolFanOut = DefaultToolFanOut
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = DefaultContextMaxTokens
	}
	if c.Context.CompressToTokens <= 0 {
		c.Context.CompressToTokens = DefaultCompressToTokens
	}
	if c.Context.MultimodalKeepRecent <= 0 {
		c.Context.MultimodalKeepRecent = DefaultMultimodalKeepRecent
	}
	if c.Context.ReasoningTransport == "" {
		c.Context.ReasoningTransport = TransportProvider
	}
	switch c.Context.ReasoningTransport {
	case TransportProvider, TransportText, TransportOmit:
	default:
		return fmt.Errorf("agent: unknown reasoning transport %q", c.Context.ReasoningTransport)
	}
	if c.Resume.Strategy == "" {
		c.Resume.Strategy = ResumeCrash
	}
	switch c.Resume.Strategy {
	case ResumeCrash, ResumeManual:
	default:
		return fmt.Errorf("agent: unknown resume strategy %q", c.Resume.Strategy)
	}
	return nil
}

// Hash returns a stable hash of the config for drift detection.
func (c *Config) Hash() string {
	doc, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Deps are the process-scoped collaborators an agent is constructed with.
// They are not persisted; resume requires the embedder to supply them again.
type Deps struct {
	// Store is required.
	Store store.Store

	// Provider is required.
	Provider provider.ModelProvider

	// Sandbox confines the builtin tools. Optional; tools needing it fail
	// cleanly when absent.
	Sandbox sandbox.Sandbox

	// Tools is the registry for this agent. A nil registry gets a fresh
	// empty one.
	Tools *tools.Registry

	// Tasks runs subagent tasks for the task_run tool. Optional.
	Tasks tools.TaskRunner

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (d *Deps) validate() error {
	if d.Store == nil {
		return fmt.Errorf("agent: Store is required")
	}
	if d.Provider == nil {
		return fmt.Errorf("agent: Provider is required")
	}
	return nil
}
