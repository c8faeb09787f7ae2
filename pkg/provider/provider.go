// Package provider defines the streaming model provider interface the agent
// loop consumes, plus the shared error classification and retry policy the
// concrete adapters implement it with.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// ChunkKind discriminates streamed chunks.
type ChunkKind string

const (
	// ChunkTextStart opens a text block.
	ChunkTextStart ChunkKind = "text_start"

	// ChunkTextDelta carries incremental response text.
	ChunkTextDelta ChunkKind = "text_delta"

	// ChunkTextEnd closes a text block.
	ChunkTextEnd ChunkKind = "text_end"

	// ChunkThinkStart opens a reasoning block.
	ChunkThinkStart ChunkKind = "think_start"

	// ChunkThinkDelta carries incremental reasoning text.
	ChunkThinkDelta ChunkKind = "think_delta"

	// ChunkThinkEnd closes a reasoning block.
	ChunkThinkEnd ChunkKind = "think_end"

	// ChunkToolUse carries one complete tool call request. Adapters
	// accumulate partial tool input internally and emit only whole calls.
	ChunkToolUse ChunkKind = "tool_use"

	// ChunkDone ends the stream successfully and carries usage totals.
	ChunkDone ChunkKind = "done"

	// ChunkError ends the stream with a failure.
	ChunkError ChunkKind = "error"
)

// ToolUse is a complete tool call request from the model.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is the token accounting for one completed request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one unit of a streamed model response.
type Chunk struct {
	Kind    ChunkKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	ToolUse *ToolUse  `json:"tool_use,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
	Err     error     `json:"-"`
}

// ToolSpec advertises one tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is a complete model turn: the transcript, the system prompt, and
// the tool manifest.
type Request struct {
	// Model overrides the adapter's default model when non-empty.
	Model string

	// System is the system prompt, carried separately from Messages.
	System string

	// Messages is the conversation in chronological order.
	Messages []models.Message

	// Tools is the manifest offered for this turn.
	Tools []ToolSpec

	// MaxTokens caps the response length. Zero means the adapter default.
	MaxTokens int

	// Thinking enables extended reasoning for models that support it.
	Thinking bool

	// ThinkingBudget is the reasoning token budget when Thinking is set.
	ThinkingBudget int
}

// ModelProvider is a streaming model backend. Implementations must be safe
// for concurrent use; each Stream call is an independent request.
type ModelProvider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream sends the request and returns the chunk channel. The channel
	// is closed after a ChunkDone or ChunkError. Cancelling ctx aborts the
	// stream.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// ErrorClass categorizes provider failures for retry decisions.
type ErrorClass string

const (
	ClassRateLimit ErrorClass = "rate_limit"
	ClassTimeout   ErrorClass = "timeout"
	ClassServer    ErrorClass = "server"
	ClassNetwork   ErrorClass = "network"
	ClassAuth      ErrorClass = "auth"
	ClassQuota     ErrorClass = "quota"
	ClassInvalid   ErrorClass = "invalid"
	ClassUnknown   ErrorClass = "unknown"
)

// Error wraps a provider failure with its classification. RetryAfter is the
// server-requested wait before retrying, zero when the response carried
// none.
type Error struct {
	Provider   string
	Model      string
	Class      ErrorClass
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s: %v", e.Provider, e.Model, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same request can succeed.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassRateLimit, ClassTimeout, ClassServer, ClassNetwork:
		return true
	default:
		return false
	}
}

// Classify wraps err based on the HTTP status (0 when unknown) and error
// shape. Context cancellation passes through unwrapped so callers can
// distinguish an interrupt from a provider failure.
func Classify(providerName, model string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	class := ClassUnknown
	switch {
	case status == 429:
		class = ClassRateLimit
	case status == 401 || status == 403:
		class = ClassAuth
	case status == 402:
		class = ClassQuota
	case status >= 500:
		class = ClassServer
	case status >= 400:
		class = ClassInvalid
	case errors.Is(err, context.DeadlineExceeded):
		class = ClassTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				class = ClassTimeout
			} else {
				class = ClassNetwork
			}
		}
	}
	return &Error{Provider: providerName, Model: model, Class: class, StatusCode: status, Err: err}
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// RetryAfter extracts the server-requested retry delay from err, or zero.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds or
// an HTTP date. Returns zero when the value does not parse.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryPolicy bounds the adapters' retry loops. Backoff is exponential with
// full jitter.
type RetryPolicy struct {
	// MaxAttempts is the total attempt count including the first.
	MaxAttempts int

	// BaseDelay seeds the backoff. Attempt n waits up to BaseDelay*2^n.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the loop defaults: three attempts, one second
// base, one minute ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// Backoff returns the jittered wait before retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	return time.Duration(rand.Float64() * base)
}

// Delay returns the wait before retry attempt. A server-supplied retry-after
// on err takes precedence over the jittered backoff, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	if ra := RetryAfter(err); ra > 0 {
		if p.MaxDelay > 0 && ra > p.MaxDelay {
			return p.MaxDelay
		}
		return ra
	}
	return p.Backoff(attempt)
}

// Wait sleeps the delay for attempt, aborting early on ctx. err, which may
// be nil, is the failure being retried.
func (p RetryPolicy) Wait(ctx context.Context, attempt int, err error) error {
	t := time.NewTimer(p.Delay(attempt, err))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
