package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/modelregistry"
)

func resolveOrFail(t *testing.T, name string) modelregistry.Model {
	t.Helper()
	m, _, ok := modelregistry.Resolve(name)
	require.True(t, ok, name)
	return m
}

func TestToUpstream_RoleMapping(t *testing.T) {
	req := &anthropic.Request{
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "hi"}}},
			{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "hello"}}},
		},
	}
	model := resolveOrFail(t, "claude-sonnet-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})

	require.Len(t, result.Payload.Contents, 2)
	assert.Equal(t, "user", string(result.Payload.Contents[0].Role))
	assert.Equal(t, "model", string(result.Payload.Contents[1].Role))
	assert.False(t, result.UseStreaming)
}

func TestToUpstream_ThinkingModelForcesStreaming(t *testing.T) {
	req := &anthropic.Request{
		MaxTokens: 64,
		Stream:    false,
		Messages:  []anthropic.Message{{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "hi"}}}},
	}
	model := resolveOrFail(t, "claude-opus-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})
	assert.True(t, result.UseStreaming, "thinking models must use the streaming endpoint regardless of client stream flag")
}

func TestToUpstream_ToolRoundTrip(t *testing.T) {
	input := json.RawMessage(`{"city":"NYC"}`)
	req := &anthropic.Request{
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
				{Type: anthropic.BlockToolUse, ID: "toolu_A", Name: "get_weather", Input: input},
			}},
			{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{
				{Type: anthropic.BlockToolResult, ToolUseID: "toolu_A", Content: json.RawMessage(`"72F"`)},
			}},
		},
	}
	model := resolveOrFail(t, "claude-sonnet-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})

	require.Len(t, result.Payload.Contents, 2)
	fc := result.Payload.Contents[0].Parts[0].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "get_weather", fc.Name)
	assert.JSONEq(t, `{"city":"NYC"}`, string(fc.Args))

	fr := result.Payload.Contents[1].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "get_weather", fr.Name, "name recovered from the tool-call side table")
}

func TestToUpstream_SystemPromptUnion(t *testing.T) {
	req := &anthropic.Request{
		MaxTokens: 64,
		System:    json.RawMessage(`"be helpful"`),
		Messages:  []anthropic.Message{{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "hi"}}}},
	}
	model := resolveOrFail(t, "claude-sonnet-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})
	require.NotNil(t, result.Payload.SystemInstruction)
	assert.Equal(t, "be helpful", result.Payload.SystemInstruction.Parts[0].Text)
}

func TestToUpstream_ThinkingStripsTemperature(t *testing.T) {
	temp := 0.7
	req := &anthropic.Request{
		MaxTokens:   64,
		Temperature: &temp,
		Messages:    []anthropic.Message{{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "hi"}}}},
	}
	model := resolveOrFail(t, "claude-opus-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})
	assert.Nil(t, result.Payload.GenerationConfig.Temperature)
}

func TestToUpstream_FunctionCallCountMatchesToolUseBlocks(t *testing.T) {
	req := &anthropic.Request{
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
				{Type: anthropic.BlockText, Text: "let me check"},
				{Type: anthropic.BlockToolUse, ID: "toolu_1", Name: "a", Input: json.RawMessage(`{}`)},
				{Type: anthropic.BlockToolUse, ID: "toolu_2", Name: "b", Input: json.RawMessage(`{}`)},
			}},
		},
	}
	model := resolveOrFail(t, "claude-sonnet-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})

	count := 0
	for _, p := range result.Payload.Contents[0].Parts {
		if p.FunctionCall != nil {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestToUpstream_UnsignedThinkingBlockDropped(t *testing.T) {
	req := &anthropic.Request{
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
				{Type: anthropic.BlockThinking, Thinking: "reasoning", Signature: "short"},
			}},
		},
	}
	model := resolveOrFail(t, "claude-opus-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{})
	assert.Empty(t, result.Payload.Contents[0].Parts, "unsigned thinking block with no cache hit should be dropped")
}

func TestToUpstream_SignatureCacheRecoversSignature(t *testing.T) {
	cache := NewSignatureCache()
	cache.Put("conv-1", "claude", "a-very-long-signature-value-ok")

	req := &anthropic.Request{
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
				{Type: anthropic.BlockThinking, Thinking: "reasoning", Signature: ""},
			}},
		},
	}
	model := resolveOrFail(t, "claude-opus-4-5")
	result := ToUpstream(req, model, model.Canonical, Options{SignatureCache: cache, ConversationKey: "conv-1"})
	require.Len(t, result.Payload.Contents[0].Parts, 1)
	assert.Equal(t, "a-very-long-signature-value-ok", result.Payload.Contents[0].Parts[0].ThoughtSignature)
}
