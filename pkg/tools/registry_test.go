package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/loomworks/loom/pkg/models"
)

type fakeTool struct {
	name     string
	desc     string
	readOnly bool
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return t.desc }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *fakeTool) Attributes() Attributes  { return Attributes{ReadOnly: t.readOnly} }
func (t *fakeTool) Execute(ctx context.Context, tc *Context, input json.RawMessage) (*models.ToolOutcome, error) {
	return &models.ToolOutcome{OK: true}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "b_tool"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{name: "a_tool"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{}); err == nil {
		t.Fatal("empty name accepted")
	}

	if _, ok := r.Get("a_tool"); !ok {
		t.Fatal("a_tool not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("missing tool found")
	}
	if names := r.Names(); !reflect.DeepEqual(names, []string{"a_tool", "b_tool"}) {
		t.Fatalf("names = %v", names)
	}
}

func TestManifestSortedWithAttributes(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "z", desc: "last", readOnly: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{name: "a", desc: "first"}); err != nil {
		t.Fatal(err)
	}

	m := r.Manifest()
	if len(m) != 2 || m[0].Name != "a" || m[1].Name != "z" {
		t.Fatalf("manifest = %+v", m)
	}
	if !m[1].ReadOnly || m[0].ReadOnly {
		t.Fatalf("read_only flags = %+v", m)
	}
}

func TestManifestHashTracksChanges(t *testing.T) {
	r := NewRegistry()
	empty := r.ManifestHash()

	if err := r.Register(&fakeTool{name: "x", desc: "one"}); err != nil {
		t.Fatal(err)
	}
	one := r.ManifestHash()
	if one == empty {
		t.Fatal("hash unchanged after registration")
	}
	if again := r.ManifestHash(); again != one {
		t.Fatal("hash unstable without changes")
	}

	// Replacing a tool with a different description changes the hash.
	if err := r.Register(&fakeTool{name: "x", desc: "two"}); err != nil {
		t.Fatal(err)
	}
	if r.ManifestHash() == one {
		t.Fatal("hash unchanged after description change")
	}

	r.Unregister("x")
	if r.ManifestHash() != empty {
		t.Fatal("hash did not return to the empty manifest value")
	}
}

func TestOnChangeFires(t *testing.T) {
	r := NewRegistry()
	var calls int
	r.OnChange(func() { calls++ })

	if err := r.Register(&fakeTool{name: "x"}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("x")
	r.Unregister("x") // unknown name, no notification
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
