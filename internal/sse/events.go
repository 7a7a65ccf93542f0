package sse

import "github.com/kvoss/ccproxy/internal/anthropic"

// EventType names an Anthropic streaming SSE event.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// Event is one SSE frame: a named event plus its JSON-serializable payload.
type Event struct {
	Type EventType
	Data interface{}
}

// MessageStartData is the payload of a message_start event.
type MessageStartData struct {
	Type    string               `json:"type"`
	Message *StreamingMessageHead `json:"message"`
}

// StreamingMessageHead is the partial message object sent in message_start,
// before any content blocks or a stop reason are known.
type StreamingMessageHead struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         anthropic.Role          `json:"role"`
	Model        string                  `json:"model"`
	Content      []anthropic.ContentBlock `json:"content"`
	StopReason   *anthropic.StopReason   `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        anthropic.Usage         `json:"usage"`
}

// ContentBlockStartData is the payload of a content_block_start event.
type ContentBlockStartData struct {
	Type         string                  `json:"type"`
	Index        int                     `json:"index"`
	ContentBlock *anthropic.ContentBlock `json:"content_block"`
}

// ContentBlockDeltaData is the payload of a content_block_delta event.
type ContentBlockDeltaData struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is the tagged variant carried within content_block_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopData is the payload of a content_block_stop event.
type ContentBlockStopData struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaData is the payload of a message_delta event.
type MessageDeltaData struct {
	Type  string           `json:"type"`
	Delta MessageDeltaInfo `json:"delta"`
	Usage anthropic.Usage  `json:"usage"`
}

// MessageDeltaInfo carries the stop reason finalized in a message_delta.
type MessageDeltaInfo struct {
	StopReason   anthropic.StopReason `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence,omitempty"`
}

// MessageStopData is the (empty) payload of message_stop.
type MessageStopData struct {
	Type string `json:"type"`
}

// ErrorData is the payload of a synthetic terminal error event.
type ErrorData struct {
	Type  string             `json:"type"`
	Error anthropic.ErrorDetail `json:"error"`
}
