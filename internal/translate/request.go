package translate

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/cloudcode"
	"github.com/kvoss/ccproxy/internal/modelregistry"
)

// defaultGeminiThinkingBudget is applied when a thinking model of either
// family is requested without an explicit budget_tokens.
const defaultGeminiThinkingBudget = 16000

// thinkingBudgetHeadroom is added on top of a Claude-family thinking budget
// when max_tokens would otherwise be smaller than the budget itself.
const thinkingBudgetHeadroom = 8192

// ToolCallTable is a per-request side table mapping Anthropic tool_use ids
// to the tool name, so a later tool_result block can be translated into a
// functionResponse naming the function it answers. It is scoped to the
// translation of a single request and must not be persisted, per the
// upstream contract: functionResponse matches by name, not id.
type ToolCallTable struct {
	idToName map[string]string
}

// NewToolCallTable constructs an empty side table.
func NewToolCallTable() *ToolCallTable {
	return &ToolCallTable{idToName: make(map[string]string)}
}

// Remember associates a tool_use id with the tool name that was called.
func (t *ToolCallTable) Remember(id, name string) {
	t.idToName[id] = name
}

// NameFor recovers the tool name for a previously-remembered tool_use id.
func (t *ToolCallTable) NameFor(id string) (string, bool) {
	name, ok := t.idToName[id]
	return name, ok
}

// ToUpstreamResult is the outcome of translating a client request, carrying
// both the upstream payload and the side state the response translator and
// pipeline need.
type ToUpstreamResult struct {
	Payload       *cloudcode.GenerateContentRequest
	ToolCalls     *ToolCallTable
	UseStreaming  bool // true if this request must use streamGenerateContent
	ResolvedModel modelregistry.Model
	ClientModel   string // name to echo back in the response
}

// Options bundles the per-deployment knobs the translator needs beyond the
// request body itself.
type Options struct {
	// MaxOutputTokensCeiling caps maxOutputTokens per the configured model
	// ceiling, independent of what the client requested, to avoid upstream
	// INVALID_ARGUMENT rejections.
	MaxOutputTokensCeiling int
	// SignatureCache, when non-nil, is consulted to recover a previously
	// cached thinking signature for replayed history that lacks one.
	SignatureCache *SignatureCache
	// ConversationKey scopes SignatureCache lookups; callers typically pass
	// a stable hash of the leading turns of the conversation.
	ConversationKey string
}

// ToUpstream converts a validated Anthropic request into a Cloud Code
// GenerateContentRequest. It is total over every request that passes
// request validation: every input produces an output. Content blocks of a
// type it doesn't specifically model are skipped.
func ToUpstream(req *anthropic.Request, model modelregistry.Model, clientModel string, opts Options) *ToUpstreamResult {
	toolCalls := NewToolCallTable()

	contents := convertMessages(req.Messages, toolCalls, model, opts)

	result := &ToUpstreamResult{
		ToolCalls:     toolCalls,
		ResolvedModel: model,
		ClientModel:   clientModel,
		Payload: &cloudcode.GenerateContentRequest{
			Contents: contents,
		},
	}

	if sys := convertSystem(req.System); sys != nil {
		result.Payload.SystemInstruction = sys
	}

	if len(req.Tools) > 0 {
		result.Payload.Tools = []cloudcode.Tool{{FunctionDeclarations: convertTools(req.Tools)}}
	}
	if req.ToolChoice != nil {
		result.Payload.ToolConfig = convertToolChoice(req.ToolChoice)
	}

	isThinking := modelregistry.IsThinking(model)
	result.Payload.GenerationConfig = convertGenerationConfig(req, model, isThinking, opts)
	result.UseStreaming = req.Stream || isThinking || (model.Family == modelregistry.FamilyGemini && isGemini3Plus(model))

	return result
}

func isGemini3Plus(m modelregistry.Model) bool {
	return modelregistry.IsThinking(m) && m.Family == modelregistry.FamilyGemini
}

func convertSystem(raw json.RawMessage) *cloudcode.SystemInstruction {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return &cloudcode.SystemInstruction{Parts: []cloudcode.Part{{Text: asString}}}
	}

	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var parts []cloudcode.Part
	for _, b := range blocks {
		if b.Type == anthropic.BlockText && b.Text != "" {
			parts = append(parts, cloudcode.Part{Text: b.Text})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &cloudcode.SystemInstruction{Parts: parts}
}

func convertMessages(msgs []anthropic.Message, toolCalls *ToolCallTable, model modelregistry.Model, opts Options) []cloudcode.Content {
	contents := make([]cloudcode.Content, 0, len(msgs))
	family := string(model.Family)

	for _, m := range msgs {
		role := cloudcode.RoleUser
		if m.Role == anthropic.RoleAssistant {
			role = cloudcode.RoleModel
		}

		parts := convertContentBlocks(m.Content, toolCalls, family, opts)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, cloudcode.Content{Role: role, Parts: parts})
	}
	return contents
}

func convertContentBlocks(blocks []anthropic.ContentBlock, toolCalls *ToolCallTable, family string, opts Options) []cloudcode.Part {
	var parts []cloudcode.Part
	for _, b := range blocks {
		switch b.Type {
		case anthropic.BlockText:
			parts = append(parts, cloudcode.Part{Text: b.Text})

		case anthropic.BlockImage:
			if b.Source == nil {
				continue
			}
			parts = append(parts, cloudcode.Part{
				InlineData: &cloudcode.Blob{MimeType: b.Source.MediaType, Data: b.Source.Data},
			})

		case anthropic.BlockToolUse:
			toolCalls.Remember(b.ID, b.Name)
			parts = append(parts, cloudcode.Part{
				FunctionCall: &cloudcode.FunctionCall{Name: CleanToolName(b.Name), Args: b.Input},
			})

		case anthropic.BlockToolResult:
			name, _ := toolCalls.NameFor(b.ToolUseID)
			payload, _ := json.Marshal(cloudcode.FunctionResponsePayload{Content: b.Content, IsError: b.IsError})
			parts = append(parts, cloudcode.Part{
				FunctionResponse: &cloudcode.FunctionResponse{Name: CleanToolName(name), Response: payload},
			})

		case anthropic.BlockThinking:
			sig := b.Signature
			if len(sig) < MinSignatureLength && opts.SignatureCache != nil {
				if cached, ok := opts.SignatureCache.Get(opts.ConversationKey, family); ok {
					sig = cached
				}
			}
			if len(sig) < MinSignatureLength {
				// Unsigned thinking blocks are dropped on replay rather
				// than sent upstream, which otherwise rejects them.
				continue
			}
			parts = append(parts, cloudcode.Part{Text: b.Thinking, Thought: true, ThoughtSignature: sig})

		case anthropic.BlockRedactedThinking:
			// No upstream equivalent; redacted thinking carries no
			// replayable text, so it is dropped rather than guessed at.
			continue

		default:
			// Unknown block types have no upstream shape; skip rather than
			// risk an invalid part.
			continue
		}
	}
	return parts
}

func convertTools(tools []anthropic.Tool) []cloudcode.FunctionDeclaration {
	out := make([]cloudcode.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		out = append(out, cloudcode.FunctionDeclaration{
			Name:        CleanToolName(t.Name),
			Description: t.Description,
			Parameters:  SanitizeSchema(t.InputSchema),
		})
	}
	return out
}

func convertToolChoice(tc *anthropic.ToolChoice) *cloudcode.ToolConfig {
	switch tc.Type {
	case "auto":
		return &cloudcode.ToolConfig{FunctionCallingConfig: &cloudcode.FunctionCallingConfig{Mode: "AUTO"}}
	case "any":
		return &cloudcode.ToolConfig{FunctionCallingConfig: &cloudcode.FunctionCallingConfig{Mode: "ANY"}}
	case "tool":
		return &cloudcode.ToolConfig{FunctionCallingConfig: &cloudcode.FunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{CleanToolName(tc.Name)},
		}}
	case "none":
		return &cloudcode.ToolConfig{FunctionCallingConfig: &cloudcode.FunctionCallingConfig{Mode: "NONE"}}
	default:
		return nil
	}
}

func convertGenerationConfig(req *anthropic.Request, model modelregistry.Model, isThinking bool, opts Options) *cloudcode.GenerationConfig {
	maxTokens := req.MaxTokens
	cfg := &cloudcode.GenerationConfig{
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}

	if !isThinking {
		cfg.Temperature = req.Temperature
	}

	if isThinking {
		budget := defaultGeminiThinkingBudget
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		if model.Family == modelregistry.FamilyClaude && maxTokens <= budget {
			maxTokens = budget + thinkingBudgetHeadroom
		}
		cfg.ThinkingConfig = &cloudcode.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	}

	if opts.MaxOutputTokensCeiling > 0 && maxTokens > opts.MaxOutputTokensCeiling {
		maxTokens = opts.MaxOutputTokensCeiling
	}
	cfg.MaxOutputTokens = maxTokens

	return cfg
}

// newToolUseID mints a fresh Anthropic-shaped tool_use id for a function
// call that originated upstream and therefore has no client-assigned id.
func newToolUseID() string {
	return "toolu_" + uuid.NewString()
}
