// Package models provides the domain types shared across the Loom kernel:
// messages and content blocks, tool call records, event envelopes, todos,
// breakpoints, snapshots, and agent metadata.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockReasoning  BlockType = "reasoning"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockFile       BlockType = "file"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// MediaSource locates the bytes for an image, audio, or file block.
// Exactly one of URL, FileID, or Base64 should be set.
type MediaSource struct {
	URL      string `json:"url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ContentBlock is one element of a message body. Type selects which of the
// remaining fields are meaningful.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text carries the body for text and reasoning blocks, and the output
	// for tool_result blocks.
	Text string `json:"text,omitempty"`

	// Source carries media bytes or a reference for image/audio/file blocks.
	Source *MediaSource `json:"source,omitempty"`

	// Tool use fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// IsError marks a tool_result block as a failure.
	IsError bool `json:"is_error,omitempty"`
}

// Message is an ordered list of content blocks with a role and optional
// transport metadata supplied by the embedder or by reminder sources.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MetadataReminderKey tags system messages injected by the todo manager,
// scheduler, or file watcher. The value names the source.
const MetadataReminderKey = "loom.reminder"

// NewTextMessage builds a single-block text message with the given role.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// NewReminderMessage builds a tagged system message from a reminder source.
func NewReminderMessage(source, text string) Message {
	msg := NewTextMessage(RoleSystem, text)
	msg.Metadata = map[string]any{MetadataReminderKey: source}
	return msg
}

// IsReminder reports whether the message carries a reminder tag.
func (m *Message) IsReminder() bool {
	if m.Metadata == nil {
		return false
	}
	_, ok := m.Metadata[MetadataReminderKey]
	return ok
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in order.
func (m *Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether the message contains any tool_use block.
func (m *Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// IsToolResultMessage reports whether every block in the message is a
// tool_result. A complete tool-result message is a legal safe-fork-point
// boundary.
func (m *Message) IsToolResultMessage() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// HasMedia reports whether the message contains image, audio, or file blocks.
func (m *Message) HasMedia() bool {
	for _, b := range m.Content {
		switch b.Type {
		case BlockImage, BlockAudio, BlockFile:
			return true
		}
	}
	return false
}

// FindToolResult scans messages for a tool_result block matching the given
// tool_use id. Returns nil if no result exists yet.
func FindToolResult(messages []Message, toolUseID string) *ContentBlock {
	for i := range messages {
		for j := range messages[i].Content {
			b := &messages[i].Content[j]
			if b.Type == BlockToolResult && b.ToolUseID == toolUseID {
				return b
			}
		}
	}
	return nil
}

// NewToolUseBlock builds a tool_use content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, Input: input}
}

// NewToolResultBlock builds a tool_result content block referencing a
// tool_use id.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}
