// Package cloudcode defines the upstream wire types for Google's Cloud Code
// generative API: contents, parts, function calls, and the
// generateContent/streamGenerateContent request and response envelopes.
package cloudcode

import "encoding/json"

// Role is the speaker of a Content turn, as Cloud Code names it.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Content is one turn of the upstream conversation.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a single unit of content within a turn. Exactly one field is
// populated, mirroring the upstream oneof.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Blob is inline binary content, used for images.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a model-issued invocation of a declared tool.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse carries the caller's result for a prior FunctionCall.
type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// FunctionResponsePayload is the shape placed into FunctionResponse.Response.
type FunctionResponsePayload struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}

// ThinkingConfig enables and bounds extended reasoning.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// GenerationConfig mirrors the Anthropic sampling parameters in upstream
// naming.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// FunctionDeclaration is one tool definition as Cloud Code expects it.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool groups function declarations the model may invoke.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionCallingConfig constrains whether and which functions may be called.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"` // AUTO | ANY | NONE
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// ToolConfig wraps FunctionCallingConfig for the request envelope.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// SystemInstruction is the upstream equivalent of Anthropic's system field.
type SystemInstruction struct {
	Parts []Part `json:"parts"`
}

// GenerateContentRequest is the body posted to generateContent and
// streamGenerateContent.
type GenerateContentRequest struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
	ToolConfig        *ToolConfig        `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig  `json:"generationConfig,omitempty"`
}

// FinishReason enumerates why a candidate stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "STOP"
	FinishMaxTokens     FinishReason = "MAX_TOKENS"
	FinishStopSequence  FinishReason = "STOP_SEQUENCE"
	FinishSafety        FinishReason = "SAFETY"
	FinishRecitation    FinishReason = "RECITATION"
	FinishOther         FinishReason = "OTHER"
)

// Candidate is one generated completion.
type Candidate struct {
	Content      Content      `json:"content"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
}

// UsageMetadata reports upstream token accounting.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
}

// GenerateContentResponse is both the non-streaming response body and the
// shape of each chunk in a streamGenerateContent SSE stream. Some upstream
// deployments wrap this in a top-level "response" envelope; callers should
// unwrap that before decoding into this type.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// ResponseEnvelope is the outer shape some Cloud Code deployments use,
// wrapping GenerateContentResponse in a "response" field.
type ResponseEnvelope struct {
	Response *GenerateContentResponse `json:"response,omitempty"`
	*GenerateContentResponse
}

// Unwrap returns the inner response regardless of whether the envelope
// wrapper was present on the wire.
func (e *ResponseEnvelope) Unwrap() *GenerateContentResponse {
	if e.Response != nil {
		return e.Response
	}
	return e.GenerateContentResponse
}
