package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/pkg/tools"
)

// ErrSubagentDepth is returned when an agent with no remaining nesting
// budget tries to spawn a subagent task.
var ErrSubagentDepth = errors.New("agent: subagent depth exhausted")

// depthRunner is implemented by task runners that can cap the nesting
// budget of the child they create.
type depthRunner interface {
	RunTaskWithDepth(ctx context.Context, template, prompt string, depth int) (string, error)
}

// subagentRunner enforces the caller's subagent policy in front of the real
// task runner: the template whitelist and the remaining nesting depth. A
// depth of zero refuses every task, which disables task_run for leaf agents.
type subagentRunner struct {
	inner     tools.TaskRunner
	templates []string
	depth     int
}

func (r *subagentRunner) RunTask(ctx context.Context, template, prompt string) (string, error) {
	if r.depth <= 0 {
		return "", ErrSubagentDepth
	}
	if len(r.templates) > 0 {
		allowed := false
		for _, t := range r.templates {
			if t == template {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("agent: template %q is not allowed for subagent tasks", template)
		}
	}
	if dr, ok := r.inner.(depthRunner); ok {
		// The child gets one level less than this agent.
		return dr.RunTaskWithDepth(ctx, template, prompt, r.depth-1)
	}
	return r.inner.RunTask(ctx, template, prompt)
}
