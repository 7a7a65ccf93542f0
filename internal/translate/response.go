package translate

import (
	"log"

	"github.com/google/uuid"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/cloudcode"
)

// FromUpstream converts a single Cloud Code GenerateContentResponse into an
// Anthropic Response. clientModel is the name echoed back to the caller
// (which differs from the upstream model for the haiku remap).
func FromUpstream(resp *cloudcode.GenerateContentResponse, clientModel string, sigCache *SignatureCache, conversationKey, family string) *anthropic.Response {
	out := &anthropic.Response{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Model: clientModel,
		Role:  anthropic.RoleAssistant,
	}

	if len(resp.Candidates) == 0 {
		out.StopReason = anthropic.StopEndTurn
		out.Content = []anthropic.ContentBlock{}
		return out
	}

	candidate := resp.Candidates[0]
	blocks, hasToolUse := convertUpstreamParts(candidate.Content.Parts, sigCache, conversationKey, family)
	out.Content = blocks
	out.StopReason = MapFinishReason(candidate.FinishReason, hasToolUse)

	if resp.UsageMetadata != nil {
		out.Usage = UsageFromMetadata(resp.UsageMetadata)
	}

	return out
}

func convertUpstreamParts(parts []cloudcode.Part, sigCache *SignatureCache, conversationKey, family string) ([]anthropic.ContentBlock, bool) {
	blocks := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolUse := false

	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			hasToolUse = true
			id := p.FunctionCall.ID
			if id == "" {
				id = newToolUseID()
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    id,
				Name:  p.FunctionCall.Name,
				Input: p.FunctionCall.Args,
			})

		case p.Thought:
			if sigCache != nil {
				sigCache.Put(conversationKey, family, p.ThoughtSignature)
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:      anthropic.BlockThinking,
				Thinking:  p.Text,
				Signature: p.ThoughtSignature,
			})

		case p.InlineData != nil:
			blocks = append(blocks, anthropic.ContentBlock{
				Type: anthropic.BlockImage,
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: p.InlineData.MimeType,
					Data:      p.InlineData.Data,
				},
			})

		case p.Text != "":
			blocks = append(blocks, anthropic.ContentBlock{Type: anthropic.BlockText, Text: p.Text})
		}
	}
	return blocks, hasToolUse
}

// MapFinishReason maps an upstream finish reason, together with whether the
// candidate contained any tool_use block, to the Anthropic stop reason
// vocabulary. A tool_use block always takes precedence. SAFETY, RECITATION
// and OTHER map to end_turn and are logged with the raw reason.
func MapFinishReason(reason cloudcode.FinishReason, hasToolUse bool) anthropic.StopReason {
	if hasToolUse {
		return anthropic.StopToolUse
	}
	switch reason {
	case cloudcode.FinishMaxTokens:
		return anthropic.StopMaxTokens
	case cloudcode.FinishStopSequence:
		return anthropic.StopSequence
	case cloudcode.FinishSafety, cloudcode.FinishRecitation, cloudcode.FinishOther:
		log.Printf("translate: upstream finish reason %s mapped to end_turn", reason)
		return anthropic.StopEndTurn
	case cloudcode.FinishStop, "":
		return anthropic.StopEndTurn
	default:
		return anthropic.StopEndTurn
	}
}

// UsageFromMetadata maps upstream token accounting to the Anthropic usage
// shape. Cloud Code never reports a creation/read split beyond
// cachedContentTokenCount, so cache_creation_input_tokens is always zero
// and input_tokens is promptTokenCount with the cached portion subtracted
// out, mirroring how cachedContentTokenCount is folded into the read count.
func UsageFromMetadata(u *cloudcode.UsageMetadata) anthropic.Usage {
	input := u.PromptTokenCount - u.CachedContentTokenCount
	if input < 0 {
		input = 0
	}
	return anthropic.Usage{
		InputTokens:              input,
		OutputTokens:             u.CandidatesTokenCount,
		CacheReadInputTokens:     u.CachedContentTokenCount,
		CacheCreationInputTokens: 0,
	}
}
