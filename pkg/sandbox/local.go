package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultExecTimeout bounds shell commands with no explicit timeout.
	DefaultExecTimeout = 2 * time.Minute

	// DefaultMaxMatches caps grep results.
	DefaultMaxMatches = 1000

	// maxReadBytes caps a single file read handed back to a model.
	maxReadBytes = 4 << 20
)

// ErrOutsideRoot is returned for any path that escapes the workspace.
var ErrOutsideRoot = errors.New("sandbox: path escapes workspace root")

// Local is a Sandbox over a directory on the local filesystem. It is safe
// for concurrent use; confinement is by path resolution, not OS isolation.
type Local struct {
	root   string
	logger *slog.Logger
}

// LocalOption customizes a Local sandbox.
type LocalOption func(*Local)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// NewLocal creates a sandbox rooted at dir, creating it if absent.
func NewLocal(dir string, opts ...LocalOption) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	l := &Local{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string { return l.root }

// ResolvePath makes p absolute under the root. Relative paths are joined to
// the root; absolute paths must already be inside it.
func (l *Local) ResolvePath(p string) (string, error) {
	if p == "" {
		return l.root, nil
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return abs, nil
}

// ReadFile returns up to limit lines starting at the 1-based offset.
func (l *Local) ReadFile(ctx context.Context, path string, offset, limit int) (string, error) {
	abs, err := l.ResolvePath(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if offset <= 0 {
		offset = 1
	}

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
	line := 0
	written := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line++
		if line < offset {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
		written++
		if limit > 0 && written >= limit {
			break
		}
		if b.Len() > maxReadBytes {
			b.WriteString("... [truncated]\n")
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// WriteFile writes content atomically inside the workspace, creating parent
// directories as needed.
func (l *Local) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, abs)
}

// Glob walks the workspace matching the slash-separated pattern. "**"
// matches zero or more directory segments. Results are workspace-relative
// and sorted by walk order.
func (l *Local) Glob(ctx context.Context, pattern string) ([]string, error) {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	var out []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(l.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matchGlob(pattern, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// matchGlob matches a slash-separated path against a pattern where "**"
// spans directory boundaries and the remaining segments use filepath.Match
// syntax.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

// Grep searches file contents under dir with an RE2 pattern.
func (l *Local) Grep(ctx context.Context, pattern, dir string, opts GrepOptions) ([]GrepMatch, error) {
	if opts.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("sandbox: invalid grep pattern: %w", err)
	}
	base, err := l.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	maxMatches := opts.MaxMatches
	if maxMatches <= 0 {
		maxMatches = DefaultMaxMatches
	}

	var matches []GrepMatch
	stop := errors.New("match limit")
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.Glob != "" {
			if ok, _ := filepath.Match(opts.Glob, d.Name()); !ok {
				return nil
			}
		}
		rel, rerr := filepath.Rel(l.root, path)
		if rerr != nil {
			return nil
		}
		f, oerr := os.Open(path)
		if oerr != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if re.MatchString(text) {
				matches = append(matches, GrepMatch{Path: filepath.ToSlash(rel), Line: line, Text: text})
				if len(matches) >= maxMatches {
					return stop
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return matches, nil
}

// Exec runs command through the shell with cwd at the root. The timeout is
// hard: on expiry the process group is killed and TimedOut is set.
func (l *Local) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = l.root
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if !res.TimedOut {
			return res, err
		} else {
			res.ExitCode = -1
		}
	}
	if res.TimedOut {
		res.ExitCode = -1
	}
	return res, nil
}

// WatchFiles observes the given paths until stop is called. File targets are
// watched through their parent directory so atomic rename-replace writes are
// still observed.
func (l *Local) WatchFiles(paths []string, cb func(FileChange)) (func(), error) {
	if len(paths) == 0 {
		return nil, errors.New("sandbox: no paths to watch")
	}
	if cb == nil {
		return nil, errors.New("sandbox: watch callback is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sandbox: create watcher: %w", err)
	}

	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, rerr := l.ResolvePath(p)
		if rerr != nil {
			_ = fsw.Close()
			return nil, rerr
		}
		targets[abs] = true
		dir := abs
		if info, serr := os.Stat(abs); serr != nil || !info.IsDir() {
			dir = filepath.Dir(abs)
		}
		dirs[dir] = true
	}
	for dir := range dirs {
		if aerr := fsw.Add(dir); aerr != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("sandbox: watch %s: %w", dir, aerr)
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watchHit(targets, ev.Name) {
					continue
				}
				for _, op := range opNames(ev.Op) {
					cb(FileChange{Path: ev.Name, Op: op})
				}
			case werr, ok := <-fsw.Errors:
				if !ok {
					return
				}
				l.logger.Warn("file watch error", "error", werr)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = fsw.Close()
		})
	}
	return stop, nil
}

// watchHit reports whether name is a watched target or inside a watched
// directory target.
func watchHit(targets map[string]bool, name string) bool {
	if targets[name] {
		return true
	}
	for t := range targets {
		if strings.HasPrefix(name, t+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func opNames(op fsnotify.Op) []string {
	var out []string
	if op.Has(fsnotify.Create) {
		out = append(out, "created")
	}
	if op.Has(fsnotify.Write) {
		out = append(out, "modified")
	}
	if op.Has(fsnotify.Remove) {
		out = append(out, "removed")
	}
	if op.Has(fsnotify.Rename) {
		out = append(out, "renamed")
	}
	return out
}

// Dispose is a no-op for the local sandbox.
func (l *Local) Dispose() error { return nil }
