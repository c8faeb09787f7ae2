package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ManifestEntry is one tool's advertisement in the manual.
type ManifestEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Prompt      string          `json:"prompt,omitempty"`
	ReadOnly    bool            `json:"read_only,omitempty"`
}

// Registry holds the tools available to one agent. Registration changes
// version the manifest; the context manager compares the manifest hash to
// detect when the model's view of the toolset is stale.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	onChange []func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool and notifies change listeners.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tools: tool has empty name")
	}
	r.mu.Lock()
	r.tools[t.Name()] = t
	listeners := append([]func(){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Unregister removes a tool and notifies change listeners. Removing an
// unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.tools[name]
	delete(r.tools, name)
	listeners := append([]func(){}, r.onChange...)
	r.mu.Unlock()
	if existed {
		for _, fn := range listeners {
			fn()
		}
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifest returns the current tool manual, sorted by name.
func (r *Registry) Manifest() []ManifestEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]ManifestEntry, 0, len(r.tools))
	for _, t := range r.tools {
		attrs := t.Attributes()
		entries = append(entries, ManifestEntry{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
			Prompt:      attrs.Prompt,
			ReadOnly:    attrs.ReadOnly,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// ManifestHash returns a stable hash over the manifest. Equal hashes mean
// the model's tool manual is current.
func (r *Registry) ManifestHash() string {
	manifest := r.Manifest()
	doc, err := json.Marshal(manifest)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// OnChange registers a callback fired after every registration change.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}
