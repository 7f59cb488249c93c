// Package compaction folds the oldest transcript messages into one summary
// message so long sessions stay inside the model's context window. The tail
// of the transcript is preserved verbatim; everything older is replaced by a
// CompactionSummaryMessage that later requests serialize as a user message.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/pi/internal/providers"
	"github.com/haasonsaas/pi/pkg/models"
)

const (
	// DefaultKeepTail is how many trailing messages survive compaction
	// verbatim.
	DefaultKeepTail = 4

	// CharsPerToken is the approximate character-to-token ratio used when
	// no tokenizer is available.
	CharsPerToken = 4

	// encodingName is the tiktoken encoding used for estimates.
	encodingName = "cl100k_base"
)

const summarySystemPrompt = `You summarize coding-assistant conversations. Produce a dense summary of the conversation so far that preserves: the user's goals and constraints, decisions made, files and commands involved, tool results that matter for future turns, and any unresolved problems. Write plain prose, no preamble.`

// Config tunes a Compactor.
type Config struct {
	// KeepTail is the number of trailing messages preserved verbatim.
	// Values below 1 fall back to DefaultKeepTail.
	KeepTail int

	Logger *slog.Logger
}

// Outcome reports what one compaction did.
type Outcome struct {
	Summary     *models.CompactionSummaryMessage
	TokensAfter int
}

// Compactor produces transcript summaries through a provider.
type Compactor struct {
	provider providers.Provider
	keepTail int
	logger   *slog.Logger
}

// New creates a compactor that summarizes with the given provider.
func New(provider providers.Provider, cfg Config) *Compactor {
	keep := cfg.KeepTail
	if keep < 1 {
		keep = DefaultKeepTail
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{provider: provider, keepTail: keep, logger: logger}
}

// Compact replaces everything older than the keep-tail with a summary
// message. The cut never separates a tool call from its results: it advances
// until the head ends on a closed pair boundary. customInstructions, when
// non-empty, steer the summary.
func (c *Compactor) Compact(ctx context.Context, transcript *models.Transcript, customInstructions string) (*Outcome, error) {
	snapshot := transcript.Snapshot()
	cut := CutPoint(snapshot, c.keepTail)
	if cut <= 0 {
		return nil, fmt.Errorf("transcript too short to compact: %d messages, keep tail %d", len(snapshot), c.keepTail)
	}
	head := snapshot[:cut]

	summary, usage, err := c.summarize(ctx, head, customInstructions)
	if err != nil {
		return nil, fmt.Errorf("summarize head: %w", err)
	}

	tokensBefore := usage.Input
	if tokensBefore <= 0 {
		tokensBefore = EstimateMessagesTokens(head)
	}

	msg := &models.CompactionSummaryMessage{
		Summary:      summary,
		TokensBefore: tokensBefore,
	}
	if err := transcript.ReplacePrefix(cut, msg); err != nil {
		return nil, fmt.Errorf("replace compacted prefix: %w", err)
	}

	tokensAfter := EstimateMessagesTokens(transcript.Snapshot())
	c.logger.Info("transcript compacted",
		"messages_compacted", cut,
		"tokens_before", tokensBefore,
		"tokens_after", tokensAfter,
	)
	return &Outcome{Summary: msg, TokensAfter: tokensAfter}, nil
}

// summarize performs the single provider call and returns the summary text
// and the usage the provider reported for it.
func (c *Compactor) summarize(ctx context.Context, head []models.Message, customInstructions string) (string, models.Usage, error) {
	prompt := BuildSummaryPrompt(head, customInstructions)
	req := providers.Request{
		System:   summarySystemPrompt,
		Messages: []models.Message{models.NewUserMessage(prompt)},
	}
	ch, err := c.provider.Stream(ctx, req)
	if err != nil {
		return "", models.Usage{}, err
	}
	var final *models.AssistantMessage
	for ev := range ch {
		if ev.Type == models.EventDone || ev.Type == models.EventError {
			final = ev.Message
		}
	}
	if final == nil {
		return "", models.Usage{}, fmt.Errorf("summary stream ended without a terminal event")
	}
	if final.StopReason == models.StopReasonError {
		return "", final.Usage, fmt.Errorf("summary request failed: %s", final.ErrorText)
	}
	summary := strings.TrimSpace(final.Text())
	if summary == "" {
		return "", final.Usage, fmt.Errorf("summary request returned no text")
	}
	return summary, final.Usage, nil
}

// CutPoint returns how many leading messages to compact so that keepTail
// messages remain, advanced forward until the head does not end between an
// assistant's tool calls and their results. Returns 0 or less when there is
// nothing to compact.
func CutPoint(msgs []models.Message, keepTail int) int {
	cut := len(msgs) - keepTail
	if cut <= 0 {
		return 0
	}
	for cut < len(msgs) {
		if _, ok := msgs[cut].(*models.ToolResultMessage); !ok {
			break
		}
		cut++
	}
	return cut
}

// BuildSummaryPrompt renders the head messages for the summary request,
// one block per message tagged with its role.
func BuildSummaryPrompt(head []models.Message, customInstructions string) string {
	var sb strings.Builder
	sb.WriteString("Summarize this conversation:\n\n")
	for _, m := range head {
		sb.WriteString(formatMessage(m))
		sb.WriteString("\n")
	}
	if customInstructions != "" {
		sb.WriteString("\nAdditional instructions:\n")
		sb.WriteString(customInstructions)
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatMessage(m models.Message) string {
	switch msg := m.(type) {
	case *models.UserMessage:
		return fmt.Sprintf("[user]: %s", msg.Text())
	case *models.AssistantMessage:
		var sb strings.Builder
		fmt.Fprintf(&sb, "[assistant]: %s", msg.Text())
		for _, call := range msg.ToolCalls() {
			fmt.Fprintf(&sb, "\n[tool call %s]: %s %s", call.ID, call.Name, call.Arguments)
		}
		return sb.String()
	case *models.ToolResultMessage:
		return fmt.Sprintf("[tool result %s]: %s", msg.ToolCallID, msg.Content)
	case *models.CompactionSummaryMessage:
		return fmt.Sprintf("[summary]: %s", msg.Summary)
	case *models.CustomMessage:
		return fmt.Sprintf("[%s]: %s", msg.CustomType, msg.Content)
	default:
		return fmt.Sprintf("[%s]:", m.Role())
	}
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens estimates the token count of a text. It prefers the
// tiktoken cl100k_base encoding and falls back to ceiling chars/4 when the
// encoding is unavailable.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding(encodingName); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens estimates total tokens across messages, using each
// message's serialized text content.
func EstimateMessagesTokens(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(formatMessage(m))
	}
	return total
}
