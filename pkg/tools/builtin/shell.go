package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/tools"
)

type shellInput struct {
	Command        string `json:"command" jsonschema:"description=Shell command to run with cwd at the workspace root"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Hard timeout in seconds; default 120"`
}

// Shell runs a command inside the workspace.
type Shell struct{}

func (t *Shell) Name() string { return "shell_exec" }
func (t *Shell) Description() string {
	return "Run a shell command with the workspace root as working directory."
}

func (t *Shell) Schema() json.RawMessage {
	return mustSchema(&shellInput{})
}

func (t *Shell) Attributes() tools.Attributes {
	return tools.Attributes{
		Timeout: 5 * time.Minute,
		Prompt:  "Commands run non-interactively. Quote paths containing spaces.",
	}
}

func (t *Shell) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	var in shellInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return validationFailure(fmt.Errorf("command is required")), nil
	}

	timeout := time.Duration(in.TimeoutSeconds) * time.Second
	res, err := tc.Sandbox.Exec(ctx, in.Command, timeout)
	if err != nil {
		return runtimeFailure(err), nil
	}

	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(res.Stderr)
	}

	if res.TimedOut {
		return &models.ToolOutcome{
			Content:         b.String(),
			Error:           fmt.Sprintf("command timed out after %s", res.Duration.Round(time.Millisecond)),
			ErrorType:       models.ToolErrorAborted,
			Retryable:       models.ToolErrorAborted.Retryable(),
			Recommendations: []string{"raise timeout_seconds or split the command into smaller steps"},
		}, nil
	}
	if res.ExitCode != 0 {
		return &models.ToolOutcome{
			Content:   b.String(),
			Error:     fmt.Sprintf("exit code %d", res.ExitCode),
			ErrorType: models.ToolErrorRuntime,
			Retryable: models.ToolErrorRuntime.Retryable(),
		}, nil
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	return &models.ToolOutcome{OK: true, Content: b.String()}, nil
}
