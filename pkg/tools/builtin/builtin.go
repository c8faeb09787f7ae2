// Package builtin provides the standard tool set: workspace file access,
// shell execution, todo management, and subagent task dispatch.
package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/loomworks/loom/pkg/tools"
)

// All returns the full builtin tool set.
func All() []tools.Tool {
	return []tools.Tool{
		&ReadFile{},
		&WriteFile{},
		&Glob{},
		&Grep{},
		&Shell{},
		&TodoRead{},
		&TodoWrite{},
		&TaskRun{},
	}
}

// RegisterAll registers every builtin into the registry.
func RegisterAll(reg *tools.Registry) error {
	for _, t := range All() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// mustSchema reflects an input struct into a plain JSON Schema object.
func mustSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(v)
	s.Version = ""
	doc, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return doc
}
