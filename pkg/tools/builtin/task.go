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

type taskRunInput struct {
	Template string `json:"template,omitempty" jsonschema:"description=Agent template to run the task with; defaults to the caller's template"`
	Prompt   string `json:"prompt" jsonschema:"description=Task description for the subagent"`
}

// TaskRun dispatches a one-shot task to a fresh subagent and returns its
// final answer.
type TaskRun struct{}

func (t *TaskRun) Name() string { return "task_run" }
func (t *TaskRun) Description() string {
	return "Run an isolated subagent task and return its final response."
}

func (t *TaskRun) Schema() json.RawMessage {
	return mustSchema(&taskRunInput{})
}

func (t *TaskRun) Attributes() tools.Attributes {
	return tools.Attributes{
		Timeout: 10 * time.Minute,
		Prompt:  "Use for self-contained work; the subagent sees only the prompt, not this conversation.",
	}
}

func (t *TaskRun) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	if tc.Tasks == nil {
		return runtimeFailure(fmt.Errorf("task runner is not available")), nil
	}
	var in taskRunInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return validationFailure(fmt.Errorf("prompt is required")), nil
	}

	tc.EmitCustom("task_started", map[string]any{"template": in.Template})
	answer, err := tc.Tasks.RunTask(ctx, in.Template, in.Prompt)
	if err != nil {
		return &models.ToolOutcome{
			Error:     err.Error(),
			ErrorType: models.ToolErrorException,
			Retryable: models.ToolErrorException.Retryable(),
		}, nil
	}
	return &models.ToolOutcome{OK: true, Content: answer}, nil
}
