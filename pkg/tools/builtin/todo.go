package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/tools"
)

// TodoRead returns the agent's current todo list.
type TodoRead struct{}

func (t *TodoRead) Name() string        { return "todo_read" }
func (t *TodoRead) Description() string { return "Read the current todo list." }

func (t *TodoRead) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}

func (t *TodoRead) Attributes() tools.Attributes {
	return tools.Attributes{ReadOnly: true, Idempotent: true}
}

func (t *TodoRead) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	if tc.Todos == nil {
		return runtimeFailure(fmt.Errorf("todo manager is not available")), nil
	}
	items, err := tc.Todos.List(ctx)
	if err != nil {
		return runtimeFailure(err), nil
	}
	if len(items) == 0 {
		return &models.ToolOutcome{OK: true, Content: "todo list is empty"}, nil
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", item.Status, item.Title, item.ID)
	}
	return &models.ToolOutcome{OK: true, Content: b.String()}, nil
}

type todoWriteInput struct {
	Items []todoWriteItem `json:"items" jsonschema:"description=The complete new todo list; it replaces the previous one"`
}

type todoWriteItem struct {
	ID     string `json:"id,omitempty" jsonschema:"description=Existing item id; omit for new items"`
	Title  string `json:"title"`
	Status string `json:"status" jsonschema:"description=pending in_progress completed or cancelled"`
}

// TodoWrite replaces the agent's todo list.
type TodoWrite struct{}

func (t *TodoWrite) Name() string        { return "todo_write" }
func (t *TodoWrite) Description() string { return "Replace the todo list with a new set of items." }

func (t *TodoWrite) Schema() json.RawMessage {
	return mustSchema(&todoWriteInput{})
}

func (t *TodoWrite) Attributes() tools.Attributes {
	return tools.Attributes{
		Prompt: "Send the full list every time; items left out are removed.",
	}
}

func (t *TodoWrite) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	if tc.Todos == nil {
		return runtimeFailure(fmt.Errorf("todo manager is not available")), nil
	}
	var in todoWriteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}

	items := make([]models.TodoItem, 0, len(in.Items))
	for i, item := range in.Items {
		if strings.TrimSpace(item.Title) == "" {
			return validationFailure(fmt.Errorf("item %d has an empty title", i)), nil
		}
		status := models.TodoStatus(item.Status)
		switch status {
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted, models.TodoCancelled:
		default:
			return validationFailure(fmt.Errorf("item %d has invalid status %q", i, item.Status)), nil
		}
		items = append(items, models.TodoItem{ID: item.ID, Title: item.Title, Status: status})
	}

	added, removed, completed, err := tc.Todos.Replace(ctx, items)
	if err != nil {
		return runtimeFailure(err), nil
	}
	return &models.ToolOutcome{
		OK:      true,
		Content: fmt.Sprintf("todo list updated: %d added, %d removed, %d completed", added, removed, completed),
	}, nil
}
