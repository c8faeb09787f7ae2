// Package openai adapts the OpenAI Chat Completions API to the
// provider.ModelProvider interface. Tool call arguments arrive as fragmented
// deltas and are assembled per index before being surfaced as whole calls.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/provider"
)

const defaultModel = "gpt-4o"

// Config configures the adapter. Only APIKey is required.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers.
	BaseURL string

	// DefaultModel is used when the request leaves Model empty.
	DefaultModel string

	// Retry bounds the create-stream retry loop.
	Retry provider.RetryPolicy
}

// Provider is a streaming OpenAI client. Safe for concurrent use.
type Provider struct {
	client       *openaisdk.Client
	defaultModel string
	retry        provider.RetryPolicy
}

// New creates the adapter.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	clientCfg := openaisdk.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:       openaisdk.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Stream sends the request and returns the chunk channel.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, err
	}
	chatReq := openaisdk.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openaisdk.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var stream *openaisdk.ChatCompletionStream
	for attempt := 0; ; attempt++ {
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}
		wrapped := p.classify(err, model)
		if !provider.Retryable(wrapped) || attempt >= p.retry.MaxAttempts-1 {
			return nil, wrapped
		}
		if werr := p.retry.Wait(ctx, attempt, wrapped); werr != nil {
			return nil, werr
		}
	}

	out := make(chan provider.Chunk)
	go p.pump(ctx, stream, out, model)
	return out, nil
}

// pump drains the completion stream. OpenAI has no explicit block framing,
// so a text block is opened on the first content delta and closed before the
// first tool call or the end of stream.
func (p *Provider) pump(ctx context.Context, stream *openaisdk.ChatCompletionStream, out chan<- provider.Chunk, model string) {
	defer close(out)
	defer stream.Close()

	send := func(c provider.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		inText    bool
		toolCalls = make(map[int]*provider.ToolUse)
		toolArgs  = make(map[int]*strings.Builder)
		order     []int
		usage     provider.Usage
	)

	closeText := func() bool {
		if !inText {
			return true
		}
		inText = false
		return send(provider.Chunk{Kind: provider.ChunkTextEnd})
	}
	flushTools := func() bool {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc == nil || tc.ID == "" || tc.Name == "" {
				continue
			}
			args := toolArgs[idx].String()
			if args == "" {
				args = "{}"
			}
			tc.Input = json.RawMessage(args)
			if !send(provider.Chunk{Kind: provider.ChunkToolUse, ToolUse: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*provider.ToolUse)
		toolArgs = make(map[int]*strings.Builder)
		order = nil
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !closeText() || !flushTools() {
					return
				}
				send(provider.Chunk{Kind: provider.ChunkDone, Usage: &usage})
				return
			}
			send(provider.Chunk{Kind: provider.ChunkError, Err: p.classify(err, model)})
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !inText {
				inText = true
				if !send(provider.Chunk{Kind: provider.ChunkTextStart}) {
					return
				}
			}
			if !send(provider.Chunk{Kind: provider.ChunkTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if toolCalls[idx] == nil {
				toolCalls[idx] = &provider.ToolUse{}
				toolArgs[idx] = &strings.Builder{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolArgs[idx].WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openaisdk.FinishReasonToolCalls {
			if !closeText() || !flushTools() {
				return
			}
		}
	}
}

func (p *Provider) classify(err error, model string) error {
	status := 0
	message := ""
	var apiErr *openaisdk.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
	}
	wrapped := provider.Classify("openai", model, status, err)
	// The SDK does not expose response headers, but rate-limit messages
	// state the wait, e.g. "Rate limit reached ... Please try again in 20s."
	if status == 429 {
		if ra := retryAfterFromMessage(message); ra > 0 {
			var pe *provider.Error
			if errors.As(wrapped, &pe) {
				pe.RetryAfter = ra
			}
		}
	}
	return wrapped
}

var retryAfterPattern = regexp.MustCompile(`try again in ([0-9.]+)(ms|s|m)`)

func retryAfterFromMessage(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "ms":
		return time.Duration(value * float64(time.Millisecond))
	case "m":
		return time.Duration(value * float64(time.Minute))
	default:
		return time.Duration(value * float64(time.Second))
	}
}

// convertMessages flattens block-structured messages into the chat format:
// tool_result blocks become standalone role "tool" messages, and assistant
// tool_use blocks become ToolCalls on the assistant message.
func convertMessages(messages []models.Message, system string) ([]openaisdk.ChatCompletionMessage, error) {
	result := make([]openaisdk.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openaisdk.ChatCompletionMessage{
			Role:    openaisdk.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case models.RoleSystem:
			if text := msg.Text(); text != "" {
				result = append(result, openaisdk.ChatCompletionMessage{
					Role:    openaisdk.ChatMessageRoleSystem,
					Content: text,
				})
			}

		case models.RoleAssistant:
			out := openaisdk.ChatCompletionMessage{Role: openaisdk.ChatMessageRoleAssistant}
			var text strings.Builder
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText, models.BlockReasoning:
					text.WriteString(block.Text)
				case models.BlockToolUse:
					out.ToolCalls = append(out.ToolCalls, openaisdk.ToolCall{
						ID:   block.ToolUseID,
						Type: openaisdk.ToolTypeFunction,
						Function: openaisdk.FunctionCall{
							Name:      block.ToolName,
							Arguments: string(block.Input),
						},
					})
				}
			}
			out.Content = text.String()
			if out.Content == "" && len(out.ToolCalls) == 0 {
				continue
			}
			result = append(result, out)

		default:
			// User messages: tool results split into role "tool" messages,
			// media becomes multi-part content, text stays inline.
			var parts []openaisdk.ChatMessagePart
			var text strings.Builder
			hasMedia := false
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText:
					text.WriteString(block.Text)
				case models.BlockImage:
					if block.Source == nil {
						continue
					}
					hasMedia = true
					url := block.Source.URL
					if url == "" && block.Source.Base64 != "" {
						url = fmt.Sprintf("data:%s;base64,%s", block.Source.MimeType, block.Source.Base64)
					}
					parts = append(parts, openaisdk.ChatMessagePart{
						Type:     openaisdk.ChatMessagePartTypeImageURL,
						ImageURL: &openaisdk.ChatMessageImageURL{URL: url},
					})
				case models.BlockToolResult:
					result = append(result, openaisdk.ChatCompletionMessage{
						Role:       openaisdk.ChatMessageRoleTool,
						ToolCallID: block.ToolUseID,
						Content:    block.Text,
					})
				}
			}
			if hasMedia {
				if text.Len() > 0 {
					parts = append([]openaisdk.ChatMessagePart{{
						Type: openaisdk.ChatMessagePartTypeText,
						Text: text.String(),
					}}, parts...)
				}
				result = append(result, openaisdk.ChatCompletionMessage{
					Role:         openaisdk.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else if text.Len() > 0 {
				result = append(result, openaisdk.ChatCompletionMessage{
					Role:    openaisdk.ChatMessageRoleUser,
					Content: text.String(),
				})
			}
		}
	}
	return result, nil
}

func convertTools(tools []provider.ToolSpec) []openaisdk.Tool {
	out := make([]openaisdk.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openaisdk.Tool{
			Type: openaisdk.ToolTypeFunction,
			Function: &openaisdk.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Schema),
			},
		})
	}
	return out
}
