package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// mediaTokenEstimate is the flat per-media-block cost used by the token
// estimator.
const mediaTokenEstimate = 1000

// contextManager assembles the provider request each turn: system prompt
// with the tool manual, history bounded by compression, multimodal
// retention, and the reasoning transport policy.
type contextManager struct {
	agentID string
	cfg     *Config

	registry *tools.Registry
	bus      *events.Bus
	store    store.Store
	logger   *slog.Logger

	mu             sync.Mutex
	lastManualHash string

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// manual renders the registry's manifest into the tool manual appended to
// the system prompt.
func (cm *contextManager) manual() (string, string) {
	entries := cm.registry.Manifest()
	if len(entries) == 0 {
		return "", ""
	}
	var b strings.Builder
	b.WriteString("\n\n# Tools\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n## %s\n%s\n", e.Name, e.Description)
		if e.Prompt != "" {
			b.WriteString(e.Prompt)
			b.WriteString("\n")
		}
	}
	return b.String(), cm.registry.ManifestHash()
}

// SystemPrompt builds the prompt and emits tool_manual_updated when the
// manual hash changed since the previous turn.
func (cm *contextManager) SystemPrompt(ctx context.Context) string {
	manual, hash := cm.manual()

	cm.mu.Lock()
	changed := hash != cm.lastManualHash
	cm.lastManualHash = hash
	cm.mu.Unlock()

	if changed {
		_, err := cm.bus.Emit(ctx, models.Event{
			Type: models.EventToolManualUpdated,
			Data: map[string]any{"hash": hash},
		})
		if err != nil {
			cm.logger.Warn("failed to emit tool_manual_updated", "error", err)
		}
	}
	return cm.cfg.SystemPrompt + manual
}

// BuildRequest produces the provider request for the turn. The returned
// history slice is what should be persisted when compression rewrote it;
// compressed is false when the durable history is unchanged.
func (cm *contextManager) BuildRequest(ctx context.Context, history []models.Message) (*provider.Request, []models.Message, bool, error) {
	system := cm.SystemPrompt(ctx)

	working := history
	compressed := false
	if cm.estimate(working) > cm.cfg.Context.MaxTokens {
		var err error
		working, err = cm.compress(ctx, working)
		if err != nil {
			return nil, nil, false, err
		}
		compressed = true
	}

	outgoing, err := cm.applyRetention(ctx, working)
	if err != nil {
		return nil, nil, false, err
	}
	outgoing = cm.applyReasoningTransport(outgoing)

	manifest := cm.registry.Manifest()
	specs := make([]provider.ToolSpec, 0, len(manifest))
	for _, e := range manifest {
		specs = append(specs, provider.ToolSpec{
			Name:        e.Name,
			Description: e.Description,
			Schema:      e.Schema,
		})
	}

	req := &provider.Request{
		Model:          cm.cfg.Model,
		System:         system,
		Messages:       outgoing,
		Tools:          specs,
		MaxTokens:      cm.cfg.MaxTokens,
		Thinking:       cm.cfg.Thinking.Enabled,
		ThinkingBudget: cm.cfg.Thinking.BudgetTokens,
	}
	return req, working, compressed, nil
}

// estimate counts tokens over the history with the cl100k_base encoding,
// falling back to a bytes/4 heuristic if the encoding is unavailable.
func (cm *contextManager) estimate(messages []models.Message) int {
	cm.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			cm.logger.Warn("token encoding unavailable, using heuristic", "error", err)
			return
		}
		cm.enc = enc
	})

	total := 0
	for i := range messages {
		for _, block := range messages[i].Content {
			switch block.Type {
			case models.BlockImage, models.BlockAudio, models.BlockFile:
				total += mediaTokenEstimate
			default:
				text := block.Text
				if block.Type == models.BlockToolUse {
					text = string(block.Input)
				}
				if cm.enc != nil {
					total += len(cm.enc.Encode(text, nil, nil))
				} else {
					total += len(text) / 4
				}
			}
		}
		total += 8
	}
	return total
}

// compress folds the oldest history segment into one synthetic system
// message, keeping the most recent tail intact. The cut is placed at a
// message boundary so tool_use/tool_result pairs never straddle it.
func (cm *contextManager) compress(ctx context.Context, history []models.Message) ([]models.Message, error) {
	_, err := cm.bus.Emit(ctx, models.Event{
		Type: models.EventContextCompression,
		Data: map[string]any{"phase": "start"},
	})
	if err != nil {
		cm.logger.Warn("failed to emit context_compression", "error", err)
	}

	before := cm.estimate(history)

	// Walk back from the end until the tail fits the target, then align
	// the cut to a safe point: just after a user or tool-result message.
	cut := len(history)
	tailTokens := 0
	for cut > 0 {
		tailTokens += cm.estimate(history[cut-1 : cut])
		if tailTokens > cm.cfg.Context.CompressToTokens {
			break
		}
		cut--
	}
	for cut < len(history) && cut > 0 {
		prev := &history[cut-1]
		if prev.Role == models.RoleUser || prev.IsToolResultMessage() {
			break
		}
		cut++
	}
	if cut <= 0 || cut >= len(history) {
		// Nothing worth folding.
		return history, nil
	}

	summary := summarize(history[:cut])
	compressed := make([]models.Message, 0, len(history)-cut+1)
	compressed = append(compressed, models.NewTextMessage(models.RoleSystem,
		fmt.Sprintf("Conversation summary (%d earlier messages compressed):\n%s", cut, summary)))
	compressed = append(compressed, history[cut:]...)

	after := cm.estimate(compressed)
	ratio := 0.0
	if before > 0 {
		ratio = float64(after) / float64(before)
	}
	_, err = cm.bus.Emit(ctx, models.Event{
		Type: models.EventContextCompression,
		Data: map[string]any{"phase": "end", "ratio": ratio, "summary": summary},
	})
	if err != nil {
		cm.logger.Warn("failed to emit context_compression", "error", err)
	}
	return compressed, nil
}

// summarize produces a deterministic digest of the folded segment: one line
// per message with role and a clipped text preview.
func summarize(messages []models.Message) string {
	var b strings.Builder
	for i := range messages {
		msg := &messages[i]
		line := msg.Text()
		if line == "" {
			if uses := msg.ToolUses(); len(uses) > 0 {
				names := make([]string, 0, len(uses))
				for _, u := range uses {
					names = append(names, u.ToolName)
				}
				line = "called tools: " + strings.Join(names, ", ")
			} else if msg.IsToolResultMessage() {
				line = "tool results"
			}
		}
		line = strings.ReplaceAll(line, "\n", " ")
		if len(line) > 160 {
			line = line[:160] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, line)
	}
	return b.String()
}

// applyRetention keeps the most recent N media-bearing messages inline and
// rewrites older media blocks into placeholder text referencing the media
// cache. The durable history is untouched; bytes are written to the cache
// once, keyed by content hash.
func (cm *contextManager) applyRetention(ctx context.Context, history []models.Message) ([]models.Message, error) {
	keep := cm.cfg.Context.MultimodalKeepRecent
	withMedia := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].HasMedia() {
			withMedia++
		}
	}
	if withMedia <= keep {
		return history, nil
	}

	out := make([]models.Message, len(history))
	copy(out, history)

	seen := 0
	for i := len(out) - 1; i >= 0; i-- {
		if !out[i].HasMedia() {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		blocks := make([]models.ContentBlock, len(out[i].Content))
		copy(blocks, out[i].Content)
		for j, block := range blocks {
			switch block.Type {
			case models.BlockImage, models.BlockAudio, models.BlockFile:
				id, err := cm.cacheMedia(ctx, block)
				if err != nil {
					return nil, err
				}
				blocks[j] = models.ContentBlock{
					Type: models.BlockText,
					Text: fmt.Sprintf("[%s content elided, media cache id %s]", block.Type, id),
				}
			}
		}
		out[i].Content = blocks
	}
	return out, nil
}

// cacheMedia stores the block's bytes in the media cache and returns the
// content-addressed id. Referenced media (URL or file id) is not copied.
func (cm *contextManager) cacheMedia(ctx context.Context, block models.ContentBlock) (string, error) {
	if block.Source == nil {
		return "unknown", nil
	}
	if block.Source.URL != "" {
		return "url:" + block.Source.URL, nil
	}
	if block.Source.FileID != "" {
		return block.Source.FileID, nil
	}
	sum := sha256.Sum256([]byte(block.Source.Base64))
	id := hex.EncodeToString(sum[:8])
	if err := cm.store.SaveMedia(ctx, cm.agentID, id, []byte(block.Source.Base64)); err != nil {
		return "", fmt.Errorf("agent: cache media: %w", err)
	}
	return id, nil
}

// applyReasoningTransport rewrites reasoning blocks for the outgoing
// context per configuration.
func (cm *contextManager) applyReasoningTransport(history []models.Message) []models.Message {
	transport := cm.cfg.Context.ReasoningTransport
	if transport == TransportProvider {
		return history
	}

	out := make([]models.Message, len(history))
	copy(out, history)
	for i := range out {
		var rewritten []models.ContentBlock
		changed := false
		for _, block := range out[i].Content {
			if block.Type != models.BlockReasoning {
				rewritten = append(rewritten, block)
				continue
			}
			changed = true
			if transport == TransportText {
				rewritten = append(rewritten, models.ContentBlock{
					Type: models.BlockText,
					Text: "<think>" + block.Text + "</think>",
				})
			}
			// TransportOmit drops the block.
		}
		if changed {
			out[i].Content = rewritten
		}
	}
	return out
}
