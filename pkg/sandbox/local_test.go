package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestSandbox(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestResolvePathConfinesToRoot(t *testing.T) {
	l := newTestSandbox(t)

	for _, p := range []string{"../escape.txt", "a/../../escape.txt", filepath.Join(os.TempDir(), "elsewhere")} {
		if _, err := l.ResolvePath(p); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("ResolvePath(%q) err = %v, want ErrOutsideRoot", p, err)
		}
	}

	abs, err := l.ResolvePath("sub/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(abs, l.Root()) {
		t.Fatalf("resolved %q outside root %q", abs, l.Root())
	}

	if abs, err := l.ResolvePath(""); err != nil || abs != l.Root() {
		t.Fatalf("empty path resolved to %q, %v", abs, err)
	}
}

func TestReadFileOffsetAndLimit(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	content := "one\ntwo\nthree\nfour\nfive\n"
	if err := l.WriteFile(ctx, "lines.txt", []byte(content)); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReadFile(ctx, "lines.txt", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != "two\nthree\n" {
		t.Fatalf("ReadFile(offset=2, limit=2) = %q", got)
	}

	all, err := l.ReadFile(ctx, "lines.txt", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if all != content {
		t.Fatalf("full read = %q", all)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	if err := l.WriteFile(ctx, "deep/nested/dir/f.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(l.Root(), "deep/nested/dir/f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "x" {
		t.Fatalf("content = %q", data)
	}
	// No temp file residue from the atomic write.
	if _, err := os.Stat(filepath.Join(l.Root(), "deep/nested/dir/f.txt.tmp")); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestGlobDoubleStar(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	files := []string{"main.go", "pkg/a/a.go", "pkg/a/a_test.go", "pkg/b/deep/b.go", "README.md"}
	for _, f := range files {
		if err := l.WriteFile(ctx, f, []byte("package x\n")); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		pattern string
		want    []string
	}{
		{"**/*.go", []string{"main.go", "pkg/a/a.go", "pkg/a/a_test.go", "pkg/b/deep/b.go"}},
		{"pkg/**/*.go", []string{"pkg/a/a.go", "pkg/a/a_test.go", "pkg/b/deep/b.go"}},
		{"*.md", []string{"README.md"}},
		{"pkg/*/*.go", []string{"pkg/a/a.go", "pkg/a/a_test.go"}},
	}
	for _, tc := range cases {
		got, err := l.Glob(ctx, tc.pattern)
		if err != nil {
			t.Fatalf("Glob(%q): %v", tc.pattern, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Glob(%q) = %v, want %v", tc.pattern, got, tc.want)
		}
	}
}

func TestGrepFindsMatchesWithGlobFilter(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	if err := l.WriteFile(ctx, "a.go", []byte("package a\nfunc Hello() {}\n")); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteFile(ctx, "notes.txt", []byte("func Hello in prose\n")); err != nil {
		t.Fatal(err)
	}

	matches, err := l.Grep(ctx, `func \w+\(`, "", GrepOptions{Glob: "*.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Path != "a.go" || matches[0].Line != 2 {
		t.Fatalf("matches = %+v", matches)
	}

	ci, err := l.Grep(ctx, "HELLO", "", GrepOptions{CaseInsensitive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(ci) != 2 {
		t.Fatalf("case-insensitive matches = %d, want 2", len(ci))
	}
}

func TestGrepHonorsMatchLimit(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("needle\n")
	}
	if err := l.WriteFile(ctx, "hay.txt", []byte(b.String())); err != nil {
		t.Fatal(err)
	}
	matches, err := l.Grep(ctx, "needle", "", GrepOptions{MaxMatches: 7})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 7 {
		t.Fatalf("matches = %d, want 7", len(matches))
	}
}

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)

	res, err := l.Exec(ctx, "echo out; echo err >&2; exit 3", 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if res.ExitCode != 3 || res.TimedOut {
		t.Fatalf("exit=%d timedOut=%v", res.ExitCode, res.TimedOut)
	}
}

func TestExecTimeout(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)

	start := time.Now()
	res, err := l.Exec(ctx, "sleep 10", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("res = %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not kill the command promptly")
	}
}

func TestWatchFilesObservesWrites(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	if err := l.WriteFile(ctx, "notes.txt", []byte("v1\n")); err != nil {
		t.Fatal(err)
	}

	changes := make(chan FileChange, 16)
	stop, err := l.WatchFiles([]string{"notes.txt"}, func(fc FileChange) {
		changes <- fc
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := l.WriteFile(ctx, "notes.txt", []byte("v2\n")); err != nil {
		t.Fatal(err)
	}
	// An unwatched sibling must not produce a callback for notes.txt.
	if err := l.WriteFile(ctx, "other.txt", []byte("x\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case fc := <-changes:
			if filepath.Base(fc.Path) != "notes.txt" {
				t.Fatalf("change for unwatched path %q", fc.Path)
			}
			if fc.Op == "" {
				t.Fatalf("change = %+v", fc)
			}
			return
		case <-deadline:
			t.Fatal("no change observed for the watched file")
		}
	}
}

func TestWatchFilesRejectsEscapingPath(t *testing.T) {
	l := newTestSandbox(t)
	if _, err := l.WatchFiles([]string{"../outside.txt"}, func(FileChange) {}); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("err = %v, want ErrOutsideRoot", err)
	}
}

func TestExecRunsInRoot(t *testing.T) {
	ctx := context.Background()
	l := newTestSandbox(t)
	res, err := l.Exec(ctx, "pwd", 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != l.Root() {
		t.Fatalf("pwd = %q, want %q", res.Stdout, l.Root())
	}
}
