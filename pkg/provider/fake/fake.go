// Package fake provides a scripted in-memory ModelProvider for tests and
// offline development. Each call to Stream consumes the next scripted turn.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/loomworks/loom/pkg/provider"
)

// ErrScriptExhausted is returned when Stream is called with no turns left.
var ErrScriptExhausted = errors.New("fake provider: script exhausted")

// Turn is the chunk sequence one Stream call plays back.
type Turn []provider.Chunk

// Provider replays scripted turns in order and records every request it saw.
type Provider struct {
	mu       sync.Mutex
	turns    []Turn
	requests []*provider.Request
}

// New creates a provider with the given script.
func New(turns ...Turn) *Provider {
	return &Provider{turns: turns}
}

// Name returns "fake".
func (p *Provider) Name() string { return "fake" }

// Append adds turns to the end of the script.
func (p *Provider) Append(turns ...Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turns...)
}

// Requests returns the requests received so far, in order.
func (p *Provider) Requests() []*provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*provider.Request(nil), p.requests...)
}

// Stream pops the next turn and plays its chunks. A turn with no trailing
// done or error chunk gets a done chunk appended so consumers always see a
// terminal chunk.
func (p *Provider) Stream(ctx context.Context, req *Request) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		terminal := false
		for _, chunk := range turn {
			select {
			case out <- chunk:
			case <-ctx.Done():
				select {
				case out <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}:
				default:
				}
				return
			}
			if chunk.Kind == provider.ChunkDone || chunk.Kind == provider.ChunkError {
				terminal = true
			}
		}
		if !terminal {
			select {
			case out <- provider.Chunk{Kind: provider.ChunkDone, Usage: &provider.Usage{}}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Request aliases provider.Request for brevity in scripted tests.
type Request = provider.Request

// Text builds a complete streamed text block from the pieces.
func Text(pieces ...string) Turn {
	turn := Turn{{Kind: provider.ChunkTextStart}}
	for _, piece := range pieces {
		turn = append(turn, provider.Chunk{Kind: provider.ChunkTextDelta, Text: piece})
	}
	turn = append(turn,
		provider.Chunk{Kind: provider.ChunkTextEnd},
		provider.Chunk{Kind: provider.ChunkDone, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	)
	return turn
}

// ToolCall builds a turn that requests one tool call and stops.
func ToolCall(id, name, inputJSON string) Turn {
	return Turn{
		{Kind: provider.ChunkToolUse, ToolUse: &provider.ToolUse{ID: id, Name: name, Input: []byte(inputJSON)}},
		{Kind: provider.ChunkDone, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

// Fail builds a turn that errors immediately.
func Fail(err error) Turn {
	return Turn{{Kind: provider.ChunkError, Err: err}}
}
