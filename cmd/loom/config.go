package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/permissions"
)

// fileConfig is the optional YAML configuration file. It supplies defaults
// for flags the user did not set and named templates for the pool.
//
// Example:
//
//	provider: anthropic
//	model: claude-sonnet-4-5
//	mode: approval
//	workdir: ~/src
//	templates:
//	  researcher:
//	    system_prompt: You research things and cite sources.
//	    model: claude-opus-4-1
type fileConfig struct {
	Provider  string                    `yaml:"provider"`
	Model     string                    `yaml:"model"`
	System    string                    `yaml:"system_prompt"`
	Workdir   string                    `yaml:"workdir"`
	Mode      string                    `yaml:"mode"`
	Templates map[string]templateConfig `yaml:"templates"`
}

type templateConfig struct {
	System     string `yaml:"system_prompt"`
	Model      string `yaml:"model"`
	Mode       string `yaml:"mode"`
	ToolFanOut int    `yaml:"tool_fan_out"`
}

// loadFileConfig reads and strictly decodes one YAML document, expanding
// ${ENV} references first. A missing file at the default location is not an
// error; a missing file named explicitly is.
func loadFileConfig(path string, explicit bool) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return &fileConfig{}, nil
		}
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &fileConfig{}, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: expected a single document", path)
	}
	return &cfg, nil
}

// defaultConfigPath is <data>/config.yaml.
func defaultConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// poolTemplates converts the file's template table into agent configs.
func (c *fileConfig) poolTemplates() map[string]agent.Config {
	if len(c.Templates) == 0 {
		return nil
	}
	out := make(map[string]agent.Config, len(c.Templates))
	for name, t := range c.Templates {
		cfg := agent.Config{
			SystemPrompt: t.System,
			Model:        t.Model,
			ToolFanOut:   t.ToolFanOut,
		}
		if t.Mode != "" {
			cfg.Permissions = permissions.Policy{Mode: permissions.Mode(t.Mode)}
		}
		out[name] = cfg
	}
	return out
}
