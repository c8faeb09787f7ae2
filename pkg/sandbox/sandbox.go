// Package sandbox confines tool side effects to a workspace directory. All
// builtin filesystem and shell tools resolve paths through a Sandbox, which
// rejects anything that escapes the root.
package sandbox

import (
	"context"
	"time"
)

// GrepMatch is one matching line from a content search.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// GrepOptions narrows a content search.
type GrepOptions struct {
	// Glob filters candidate files by base-name pattern, e.g. "*.go".
	Glob string

	// MaxMatches caps the result count. Zero means DefaultMaxMatches.
	MaxMatches int

	// CaseInsensitive compiles the pattern with (?i).
	CaseInsensitive bool
}

// FileChange is one observed filesystem event on a watched path.
type FileChange struct {
	Path string `json:"path"`

	// Op is "created", "modified", "removed", or "renamed".
	Op string `json:"op"`
}

// ExecResult is the outcome of a shell command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Sandbox is the side-effect surface handed to tools. Implementations
// enforce that every path stays inside the workspace.
type Sandbox interface {
	// Root returns the absolute workspace root.
	Root() string

	// ResolvePath makes p absolute under the root, or fails if it escapes.
	ResolvePath(p string) (string, error)

	// ReadFile returns up to limit lines starting at offset (1-based). A
	// zero limit reads to the end.
	ReadFile(ctx context.Context, path string, offset, limit int) (string, error)

	// WriteFile writes content, creating parent directories as needed.
	WriteFile(ctx context.Context, path string, content []byte) error

	// Glob returns workspace-relative paths matching pattern. Patterns use
	// slash-separated segments; "**" matches any number of directories.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// Grep searches file contents under dir with an RE2 pattern.
	Grep(ctx context.Context, pattern, dir string, opts GrepOptions) ([]GrepMatch, error)

	// Exec runs a shell command with cwd at the root and a hard timeout.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// WatchFiles observes the given paths, invoking cb for every change
	// until the returned stop function is called. Paths resolve through the
	// workspace confinement rules.
	WatchFiles(paths []string, cb func(FileChange)) (func(), error)

	// Dispose releases any resources held by the sandbox.
	Dispose() error
}
