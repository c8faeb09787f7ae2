package models

import (
	"encoding/json"
	"time"
)

// Snapshot captures agent state at a safe-fork-point: the full message
// history up to the point, the index itself, and the event-log position.
type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Messages  []Message `json:"messages"`
	SFPIndex  int       `json:"sfp_index"`
	Bookmark  Bookmark  `json:"bookmark"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentInfo is the durable metadata record for one agent. Written at create,
// updated at every persisted state change, read at resume.
type AgentInfo struct {
	ID              string          `json:"id"`
	Template        string          `json:"template,omitempty"`
	TemplateVersion string          `json:"template_version,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Lineage         []string        `json:"lineage,omitempty"`
	ConfigHash      string          `json:"config_hash,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	MessageCount    int             `json:"message_count"`
	LastSFPIndex    int             `json:"last_sfp_index"`
	LastBookmark    Bookmark        `json:"last_bookmark"`
	Breakpoint      Breakpoint      `json:"breakpoint"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// PoolMeta is the pool-level record written during graceful shutdown so a
// later process can resume the agents that were live. It lives in its own
// store map, outside the agent-id namespace.
type PoolMeta struct {
	Running []string  `json:"running"`
	SavedAt time.Time `json:"saved_at"`
}
