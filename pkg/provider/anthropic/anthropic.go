// Package anthropic adapts the Anthropic Messages API to the
// provider.ModelProvider interface with streaming, tool use, extended
// thinking, and retry with exponential backoff.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/provider"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
	// stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// Config configures the adapter. Only APIKey is required.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and test servers.
	BaseURL string

	// DefaultModel is used when the request leaves Model empty.
	DefaultModel string

	// Retry bounds the create-stream retry loop. Zero values take
	// provider.DefaultRetryPolicy.
	Retry provider.RetryPolicy
}

// Provider is a streaming Anthropic client. Safe for concurrent use; each
// Stream call runs an independent request.
type Provider struct {
	client       anthropicsdk.Client
	defaultModel string
	retry        provider.RetryPolicy
}

// New creates the adapter.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client:       anthropicsdk.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Stream sends the request and returns the chunk channel. Stream creation is
// retried for retryable failures; once events are flowing, failures surface
// as a terminal error chunk.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
		for attempt := 0; ; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			err := stream.Err()
			if err == nil {
				break
			}
			wrapped := p.classify(err, model)
			if !provider.Retryable(wrapped) || attempt >= p.retry.MaxAttempts-1 {
				out <- provider.Chunk{Kind: provider.ChunkError, Err: wrapped}
				return
			}
			if werr := p.retry.Wait(ctx, attempt, wrapped); werr != nil {
				out <- provider.Chunk{Kind: provider.ChunkError, Err: werr}
				return
			}
		}

		p.pump(ctx, stream, out, model)
	}()
	return out, nil
}

func (p *Provider) model(override string) string {
	if override != "" {
		return override
	}
	return p.defaultModel
}

func (p *Provider) buildParams(req *provider.Request, model string) (anthropicsdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.Thinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropicsdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// pump drains the SSE stream into chunks. Tool input arrives as partial JSON
// deltas and is accumulated until the block closes.
func (p *Provider) pump(ctx context.Context, stream *ssestream.Stream[anthropicsdk.MessageStreamEventUnion], out chan<- provider.Chunk, model string) {
	var (
		toolUse      *provider.ToolUse
		toolInput    strings.Builder
		inThinking   bool
		inText       bool
		emptyEvents  int
		inputTokens  int
		outputTokens int
	)

	send := func(c provider.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				inText = true
				if !send(provider.Chunk{Kind: provider.ChunkTextStart}) {
					return
				}
				processed = true
			case "thinking":
				inThinking = true
				if !send(provider.Chunk{Kind: provider.ChunkThinkStart}) {
					return
				}
				processed = true
			case "tool_use":
				use := block.AsToolUse()
				toolUse = &provider.ToolUse{ID: use.ID, Name: use.Name}
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(provider.Chunk{Kind: provider.ChunkTextDelta, Text: delta.Text}) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !send(provider.Chunk{Kind: provider.ChunkThinkDelta, Text: delta.Thinking}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			switch {
			case toolUse != nil:
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolUse.Input = json.RawMessage(input)
				if !send(provider.Chunk{Kind: provider.ChunkToolUse, ToolUse: toolUse}) {
					return
				}
				toolUse = nil
			case inThinking:
				inThinking = false
				if !send(provider.Chunk{Kind: provider.ChunkThinkEnd}) {
					return
				}
			case inText:
				inText = false
				if !send(provider.Chunk{Kind: provider.ChunkTextEnd}) {
					return
				}
			}
			processed = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			send(provider.Chunk{
				Kind:  provider.ChunkDone,
				Usage: &provider.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
			})
			return

		case "error":
			send(provider.Chunk{Kind: provider.ChunkError, Err: p.classify(errors.New("anthropic stream error"), model)})
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			send(provider.Chunk{
				Kind: provider.ChunkError,
				Err:  p.classify(fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents), model),
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(provider.Chunk{Kind: provider.ChunkError, Err: p.classify(err, model)})
		return
	}
	// Stream ended without message_stop; still surface usage totals.
	send(provider.Chunk{
		Kind:  provider.ChunkDone,
		Usage: &provider.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	})
}

func (p *Provider) classify(err error, model string) error {
	status := 0
	retryAfter := time.Duration(0)
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		if apiErr.Response != nil {
			retryAfter = provider.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
	}
	wrapped := provider.Classify("anthropic", model, status, err)
	if retryAfter > 0 {
		var pe *provider.Error
		if errors.As(wrapped, &pe) {
			pe.RetryAfter = retryAfter
		}
	}
	return wrapped
}

func convertMessages(messages []models.Message) ([]anthropicsdk.MessageParam, error) {
	var result []anthropicsdk.MessageParam
	for i := range messages {
		msg := &messages[i]
		if msg.Role == models.RoleSystem {
			// System content is carried in params.System; reminders are
			// folded into the transcript upstream.
			continue
		}

		var content []anthropicsdk.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropicsdk.NewTextBlock(block.Text))
				}
			case models.BlockReasoning:
				// Reasoning transport is resolved before the request is
				// built; anything left here is carried as text.
				if block.Text != "" {
					content = append(content, anthropicsdk.NewTextBlock(block.Text))
				}
			case models.BlockImage:
				if block.Source != nil && block.Source.Base64 != "" {
					content = append(content, anthropicsdk.NewImageBlockBase64(block.Source.MimeType, block.Source.Base64))
				}
			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", block.ToolName, err)
				}
				content = append(content, anthropicsdk.NewToolUseBlock(block.ToolUseID, input, block.ToolName))
			case models.BlockToolResult:
				content = append(content, anthropicsdk.NewToolResultBlock(block.ToolUseID, block.Text, block.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropicsdk.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropicsdk.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []provider.ToolSpec) ([]anthropicsdk.ToolUnionParam, error) {
	var result []anthropicsdk.ToolUnionParam
	for _, tool := range tools {
		var schema anthropicsdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropicsdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropicsdk.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
