// Package anthropic defines the client-facing wire types for the Messages
// API surface the proxy exposes, and the SSE event payloads streamed back
// to callers.
package anthropic

import "encoding/json"

// Role is the speaker of a Message turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason is the terminal reason a non-streaming response ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopSequence     StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// ContentBlock is a tagged union over the block kinds the Messages API
// accepts and returns. Exactly one of the typed fields is populated,
// selected by Type. Raw keeps a block's original JSON as decoded; it is not
// marshaled back out, and block types the translator does not model are
// not forwarded upstream.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// Raw holds the block's original JSON, including fields this struct
	// doesn't model. It is excluded from marshaling.
	Raw json.RawMessage `json:"-"`
}

const (
	BlockText             = "text"
	BlockImage            = "image"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// ImageSource is the base64-encoded payload of an image content block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one turn in a conversation. Content may be a plain string
// (shorthand for a single text block) or a list of ContentBlock;
// Message.UnmarshalJSON normalizes both forms to a list on decode.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Tool is a function definition the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice constrains how the model selects among Tools.
type ToolChoice struct {
	Type string `json:"type"` // auto | any | tool | none
	Name string `json:"name,omitempty"`
}

// Thinking configures extended-reasoning behavior for thinking models.
type Thinking struct {
	Type         string `json:"type,omitempty"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Request is the body of POST /v1/messages.
type Request struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Thinking      *Thinking      `json:"thinking,omitempty"`
}

// Usage reports token accounting for a response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Response is the non-streaming body returned from POST /v1/messages.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Model        string         `json:"model"`
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	StopReason   StopReason     `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// ErrorKind enumerates the client-facing error vocabulary.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "invalid_request_error"
	ErrAuthentication ErrorKind = "authentication_error"
	ErrPermission     ErrorKind = "permission_error"
	ErrNotFound       ErrorKind = "not_found_error"
	ErrRateLimit      ErrorKind = "rate_limit_error"
	ErrAPI            ErrorKind = "api_error"
	ErrOverloaded     ErrorKind = "overloaded_error"
	ErrTimeout        ErrorKind = "timeout_error"
)

// ErrorBody is the client-facing error envelope.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the classified kind and a human-readable message.
type ErrorDetail struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// NewErrorBody builds the {"type":"error", ...} envelope returned to
// clients on any terminal failure.
func NewErrorBody(kind ErrorKind, message string) ErrorBody {
	return ErrorBody{
		Type:  "error",
		Error: ErrorDetail{Type: kind, Message: message},
	}
}
