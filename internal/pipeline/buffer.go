package pipeline

import (
	"sort"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/sse"
)

// responseBuilder assembles a complete anthropic.Response from the same
// typed SSE event sequence the streaming codec would have sent to a
// client, for requests that must be dispatched on the streaming endpoint
// (thinking models, Gemini 3+) but whose caller asked for a buffered,
// non-streaming reply.
type responseBuilder struct {
	resp        anthropic.Response
	blocks      map[int]*anthropic.ContentBlock
	partialJSON map[int]string
	order       []int
}

func newResponseBuilder() *responseBuilder {
	return &responseBuilder{
		blocks:      make(map[int]*anthropic.ContentBlock),
		partialJSON: make(map[int]string),
	}
}

func (b *responseBuilder) handle(ev sse.Event) {
	switch ev.Type {
	case sse.EventMessageStart:
		data := ev.Data.(sse.MessageStartData)
		b.resp.ID = data.Message.ID
		b.resp.Type = data.Message.Type
		b.resp.Role = data.Message.Role
		b.resp.Model = data.Message.Model
		b.resp.Usage = data.Message.Usage

	case sse.EventContentBlockStart:
		data := ev.Data.(sse.ContentBlockStartData)
		block := *data.ContentBlock
		b.blocks[data.Index] = &block
		b.order = append(b.order, data.Index)

	case sse.EventContentBlockDelta:
		data := ev.Data.(sse.ContentBlockDeltaData)
		block, ok := b.blocks[data.Index]
		if !ok {
			return
		}
		switch data.Delta.Type {
		case "text_delta":
			block.Text += data.Delta.Text
		case "thinking_delta":
			block.Thinking += data.Delta.Thinking
		case "signature_delta":
			block.Signature += data.Delta.Signature
		case "input_json_delta":
			b.partialJSON[data.Index] += data.Delta.PartialJSON
		}

	case sse.EventMessageDelta:
		data := ev.Data.(sse.MessageDeltaData)
		b.resp.StopReason = data.Delta.StopReason
		b.resp.StopSequence = data.Delta.StopSequence
		b.resp.Usage.OutputTokens = data.Usage.OutputTokens
		if data.Usage.InputTokens != 0 {
			b.resp.Usage.InputTokens = data.Usage.InputTokens
		}
		b.resp.Usage.CacheReadInputTokens = data.Usage.CacheReadInputTokens
		b.resp.Usage.CacheCreationInputTokens = data.Usage.CacheCreationInputTokens
	}
}

// final renders the accumulated blocks into the response, parsing any
// tool_use block's accumulated partial JSON into its Input field.
func (b *responseBuilder) final() *anthropic.Response {
	sort.Ints(b.order)
	seen := make(map[int]bool, len(b.order))
	for _, idx := range b.order {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		block := b.blocks[idx]
		if block.Type == anthropic.BlockToolUse {
			if raw := b.partialJSON[idx]; raw != "" {
				block.Input = []byte(raw)
			}
		}
		b.resp.Content = append(b.resp.Content, *block)
	}
	return &b.resp
}
