package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/tools"
)

func validationFailure(err error) *models.ToolOutcome {
	return &models.ToolOutcome{
		Error:     err.Error(),
		ErrorType: models.ToolErrorValidation,
		Retryable: models.ToolErrorValidation.Retryable(),
	}
}

func runtimeFailure(err error, recommendations ...string) *models.ToolOutcome {
	return &models.ToolOutcome{
		Error:           err.Error(),
		ErrorType:       models.ToolErrorRuntime,
		Retryable:       models.ToolErrorRuntime.Retryable(),
		Recommendations: recommendations,
	}
}

type readFileInput struct {
	Path   string `json:"path" jsonschema:"description=Workspace-relative or absolute path to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based first line to return"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// ReadFile reads a file inside the workspace.
type ReadFile struct{}

func (t *ReadFile) Name() string        { return "fs_read" }
func (t *ReadFile) Description() string { return "Read a file from the workspace." }
func (t *ReadFile) Schema() json.RawMessage {
	return mustSchema(&readFileInput{})
}

func (t *ReadFile) Attributes() tools.Attributes {
	return tools.Attributes{ReadOnly: true, Idempotent: true}
}

func (t *ReadFile) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	var in readFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}
	if in.Path == "" {
		return validationFailure(fmt.Errorf("path is required")), nil
	}
	content, err := tc.Sandbox.ReadFile(ctx, in.Path, in.Offset, in.Limit)
	if err != nil {
		if os.IsNotExist(err) {
			return runtimeFailure(err, "check the path with fs_glob before reading"), nil
		}
		return runtimeFailure(err), nil
	}
	tc.Touched(in.Path)
	return &models.ToolOutcome{OK: true, Content: content}, nil
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=Workspace-relative or absolute path to write"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

// WriteFile writes a file inside the workspace.
type WriteFile struct{}

func (t *WriteFile) Name() string        { return "fs_write" }
func (t *WriteFile) Description() string { return "Create or overwrite a file in the workspace." }
func (t *WriteFile) Schema() json.RawMessage {
	return mustSchema(&writeFileInput{})
}

func (t *WriteFile) Attributes() tools.Attributes {
	return tools.Attributes{Prompt: "Writes replace the whole file. Read before editing existing files."}
}

func (t *WriteFile) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	var in writeFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}
	if in.Path == "" {
		return validationFailure(fmt.Errorf("path is required")), nil
	}
	if err := tc.Sandbox.WriteFile(ctx, in.Path, []byte(in.Content)); err != nil {
		return runtimeFailure(err), nil
	}
	tc.Touched(in.Path)
	return &models.ToolOutcome{OK: true, Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}

type globInput struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern; ** matches across directories"`
}

// Glob lists workspace files matching a pattern.
type Glob struct{}

func (t *Glob) Name() string        { return "fs_glob" }
func (t *Glob) Description() string { return "List workspace files matching a glob pattern." }
func (t *Glob) Schema() json.RawMessage {
	return mustSchema(&globInput{})
}

func (t *Glob) Attributes() tools.Attributes {
	return tools.Attributes{ReadOnly: true, Idempotent: true}
}

func (t *Glob) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	var in globInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}
	if in.Pattern == "" {
		return validationFailure(fmt.Errorf("pattern is required")), nil
	}
	matches, err := tc.Sandbox.Glob(ctx, in.Pattern)
	if err != nil {
		return runtimeFailure(err), nil
	}
	if len(matches) == 0 {
		return &models.ToolOutcome{OK: true, Content: "no files matched"}, nil
	}
	return &models.ToolOutcome{OK: true, Content: strings.Join(matches, "\n")}, nil
}

type grepInput struct {
	Pattern         string `json:"pattern" jsonschema:"description=RE2 regular expression to search for"`
	Dir             string `json:"dir,omitempty" jsonschema:"description=Directory to search under; defaults to the workspace root"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Filter files by base-name pattern such as *.go"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxMatches      int    `json:"max_matches,omitempty"`
}

// Grep searches workspace file contents.
type Grep struct{}

func (t *Grep) Name() string        { return "fs_grep" }
func (t *Grep) Description() string { return "Search workspace file contents with a regular expression." }
func (t *Grep) Schema() json.RawMessage {
	return mustSchema(&grepInput{})
}

func (t *Grep) Attributes() tools.Attributes {
	return tools.Attributes{ReadOnly: true, Idempotent: true}
}

func (t *Grep) Execute(ctx context.Context, tc *tools.Context, input json.RawMessage) (*models.ToolOutcome, error) {
	var in grepInput
	if err := json.Unmarshal(input, &in); err != nil {
		return validationFailure(err), nil
	}
	if in.Pattern == "" {
		return validationFailure(fmt.Errorf("pattern is required")), nil
	}
	matches, err := tc.Sandbox.Grep(ctx, in.Pattern, in.Dir, sandbox.GrepOptions{
		Glob:            in.Glob,
		CaseInsensitive: in.CaseInsensitive,
		MaxMatches:      in.MaxMatches,
	})
	if err != nil {
		return runtimeFailure(err), nil
	}
	if len(matches) == 0 {
		return &models.ToolOutcome{OK: true, Content: "no matches"}, nil
	}
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
	}
	return &models.ToolOutcome{OK: true, Content: b.String()}, nil
}
