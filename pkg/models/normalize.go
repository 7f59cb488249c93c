package models

import "fmt"

// ThinkingOpen and ThinkingClose wrap reasoning text when an assistant
// message is replayed to a provider other than the one that produced it.
// Providers reject foreign reasoning signatures, so the content is downgraded
// to plain text the new provider can read as context.
const (
	ThinkingOpen  = "<thinking>"
	ThinkingClose = "</thinking>"
)

// NormalizeForModel prepares a transcript snapshot for a request to the given
// model. The returned slice contains only user, assistant, and toolResult
// entries:
//
//   - custom entries are dropped (they are renderer state, not model input)
//   - compaction summaries become user messages carrying the summary header
//   - assistant messages from a different provider or API lose their opaque
//     signatures, and their thinking blocks are rewritten as wrapped text
//   - image blocks are dropped when the model does not accept image input
//
// Assistant messages from the same provider and API pass through untouched
// so signatures and thinking blocks replay verbatim. API counts too: a
// responses-style item id means nothing to the completions endpoint of the
// same vendor.
func NormalizeForModel(msgs []Message, m *Model) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		switch mt := msg.(type) {
		case *CustomMessage:
			continue
		case *CompactionSummaryMessage:
			out = append(out, &UserMessage{
				Content:   []ContentBlock{&TextBlock{Text: mt.CompactionText()}},
				Timestamp: mt.Timestamp,
			})
		case *UserMessage:
			content := filterImages(mt.Content, m)
			if len(content) == 0 {
				continue
			}
			if len(content) == len(mt.Content) {
				out = append(out, mt)
				continue
			}
			out = append(out, &UserMessage{Content: content, Timestamp: mt.Timestamp})
		case *AssistantMessage:
			if mt.Provider == m.Provider && mt.API == m.API {
				out = append(out, mt)
				continue
			}
			out = append(out, rewriteForeign(mt))
		case *ToolResultMessage:
			out = append(out, mt)
		default:
			continue
		}
	}
	return out
}

// rewriteForeign strips provider-scoped state from an assistant message so a
// different provider can accept it as history.
func rewriteForeign(m *AssistantMessage) *AssistantMessage {
	content := make([]ContentBlock, 0, len(m.Content))
	for _, b := range m.Content {
		switch bt := b.(type) {
		case *TextBlock:
			if bt.TextSignature == "" {
				content = append(content, bt)
			} else {
				content = append(content, &TextBlock{Text: bt.Text})
			}
		case *ThinkingBlock:
			content = append(content, &TextBlock{
				Text: fmt.Sprintf("%s\n%s\n%s", ThinkingOpen, bt.Thinking, ThinkingClose),
			})
		default:
			content = append(content, b)
		}
	}
	clone := *m
	clone.Content = content
	return &clone
}

func filterImages(blocks []ContentBlock, m *Model) []ContentBlock {
	if m.SupportsImages() {
		return blocks
	}
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if _, ok := b.(*ImageBlock); ok {
			continue
		}
		out = append(out, b)
	}
	return out
}
