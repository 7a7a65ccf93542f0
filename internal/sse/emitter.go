package sse

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/cloudcode"
	"github.com/kvoss/ccproxy/internal/translate"
)

type blockKind string

const (
	kindNone    blockKind = ""
	kindText    blockKind = "text"
	kindThink   blockKind = "thinking"
	kindToolUse blockKind = "tool_use"
)

type openBlock struct {
	index int
	kind  blockKind
	// key identifies which logical block this is within its kind: empty
	// for text/thinking (contiguous parts of the same kind always belong
	// to the same block), or "name#position" for a functionCall, so that
	// two distinct parallel tool calls never collapse into one block.
	key       string
	toolID    string
	toolName  string
	argsSoFar string // raw JSON text of functionCall.Args seen so far, for incremental diffing
	signature string
}

// Emitter drives the Anthropic SSE event sequence for one streaming
// request. Per request it holds only the minimum state named in the
// upstream contract: the next block index, the currently open block (if
// any), the tool-call JSON accumulator, whether any tool call has been
// seen, and the most recent thinking signature.
type Emitter struct {
	emit func(Event)

	started   bool
	nextIndex int
	current   *openBlock

	model       string
	usage       anthropic.Usage
	stopReason  anthropic.StopReason
	sawToolUse  bool
	messageID   string
	finished    bool
}

// NewEmitter constructs an Emitter that calls emit for every SSE frame it
// produces, in order.
func NewEmitter(clientModel string, emit func(Event)) *Emitter {
	return &Emitter{emit: emit, model: clientModel, messageID: "msg_" + uuid.NewString()}
}

// HandleChunk advances the state machine with one decoded upstream chunk.
func (e *Emitter) HandleChunk(resp *cloudcode.GenerateContentResponse) {
	if e.finished {
		return
	}
	if !e.started {
		e.emitMessageStart()
	}

	if resp.UsageMetadata != nil {
		e.usage = translate.UsageFromMetadata(resp.UsageMetadata)
	}

	var candidate *cloudcode.Candidate
	if len(resp.Candidates) > 0 {
		candidate = &resp.Candidates[0]
	}
	if candidate == nil {
		return
	}

	for i, p := range candidate.Content.Parts {
		if p.FunctionCall != nil {
			e.sawToolUse = true
		}
		e.handlePart(p, i)
	}

	if candidate.FinishReason != "" {
		e.closeCurrent()
		e.stopReason = translate.MapFinishReason(candidate.FinishReason, e.sawToolUse)
		e.emitMessageDelta()
		e.emit(Event{Type: EventMessageStop, Data: MessageStopData{Type: string(EventMessageStop)}})
		e.finished = true
	}
}

func (e *Emitter) emitMessageStart() {
	e.started = true
	e.emit(Event{
		Type: EventMessageStart,
		Data: MessageStartData{
			Type: string(EventMessageStart),
			Message: &StreamingMessageHead{
				ID:      e.messageID,
				Type:    "message",
				Role:    anthropic.RoleAssistant,
				Model:   e.model,
				Content: []anthropic.ContentBlock{},
				Usage:   anthropic.Usage{},
			},
		},
	})
	e.emit(Event{Type: EventPing, Data: struct{}{}})
}

func (e *Emitter) handlePart(p cloudcode.Part, position int) {
	switch {
	case p.Thought:
		e.ensureBlock(kindThink, "", p)
		if p.Text != "" {
			e.emit(Event{Type: EventContentBlockDelta, Data: ContentBlockDeltaData{
				Type: string(EventContentBlockDelta), Index: e.current.index,
				Delta: Delta{Type: "thinking_delta", Thinking: p.Text},
			}})
		}
		if p.ThoughtSignature != "" {
			e.current.signature = p.ThoughtSignature
		}

	case p.FunctionCall != nil:
		key := fmt.Sprintf("%s#%d", p.FunctionCall.Name, position)
		e.ensureBlock(kindToolUse, key, p)
		e.emitToolArgsDelta(p.FunctionCall)

	case p.Text != "":
		e.ensureBlock(kindText, "", p)
		e.emit(Event{Type: EventContentBlockDelta, Data: ContentBlockDeltaData{
			Type: string(EventContentBlockDelta), Index: e.current.index,
			Delta: Delta{Type: "text_delta", Text: p.Text},
		}})
	}
}

// ensureBlock opens a new block of kind/key if none is open or the open
// block's kind or key differs, closing the previous block first. key
// distinguishes concurrent tool calls of the same kind (parallel tool use)
// from a single call's own continuing arguments.
func (e *Emitter) ensureBlock(kind blockKind, key string, p cloudcode.Part) {
	if e.current != nil && e.current.kind == kind && e.current.key == key {
		return
	}
	e.closeCurrent()

	index := e.nextIndex
	e.nextIndex++
	e.current = &openBlock{index: index, kind: kind, key: key}

	var block anthropic.ContentBlock
	switch kind {
	case kindThink:
		block = anthropic.ContentBlock{Type: anthropic.BlockThinking, Thinking: ""}
	case kindToolUse:
		e.current.toolID = "toolu_" + uuid.NewString()
		e.current.toolName = ""
		if p.FunctionCall != nil {
			e.current.toolName = p.FunctionCall.Name
		}
		block = anthropic.ContentBlock{Type: anthropic.BlockToolUse, ID: e.current.toolID, Name: e.current.toolName}
	case kindText:
		block = anthropic.ContentBlock{Type: anthropic.BlockText, Text: ""}
	}

	e.emit(Event{Type: EventContentBlockStart, Data: ContentBlockStartData{
		Type: string(EventContentBlockStart), Index: index, ContentBlock: &block,
	}})
}

// emitToolArgsDelta diffs the newly-seen function-call args against what
// was already accumulated for this block and emits only the incremental
// suffix as input_json_delta, since upstream chunks may repeat the
// accumulated JSON rather than sending a true delta.
func (e *Emitter) emitToolArgsDelta(fc *cloudcode.FunctionCall) {
	full := string(fc.Args)
	var partial string
	if strings.HasPrefix(full, e.current.argsSoFar) {
		partial = full[len(e.current.argsSoFar):]
	} else {
		partial = full
	}
	e.current.argsSoFar = full
	if partial == "" {
		return
	}
	e.emit(Event{Type: EventContentBlockDelta, Data: ContentBlockDeltaData{
		Type: string(EventContentBlockDelta), Index: e.current.index,
		Delta: Delta{Type: "input_json_delta", PartialJSON: partial},
	}})
}

// closeCurrent closes whatever block is open, emitting a signature_delta
// first if it was a thinking block with a captured signature.
func (e *Emitter) closeCurrent() {
	if e.current == nil {
		return
	}
	if e.current.kind == kindThink && e.current.signature != "" {
		e.emit(Event{Type: EventContentBlockDelta, Data: ContentBlockDeltaData{
			Type: string(EventContentBlockDelta), Index: e.current.index,
			Delta: Delta{Type: "signature_delta", Signature: e.current.signature},
		}})
	}
	e.emit(Event{Type: EventContentBlockStop, Data: ContentBlockStopData{Type: string(EventContentBlockStop), Index: e.current.index}})
	e.current = nil
}

func (e *Emitter) emitMessageDelta() {
	e.emit(Event{Type: EventMessageDelta, Data: MessageDeltaData{
		Type:  string(EventMessageDelta),
		Delta: MessageDeltaInfo{StopReason: e.stopReason},
		Usage: e.usage,
	}})
}

// Abort is called when the upstream stream fails after at least one event
// has already been sent: it closes every open block, emits a synthetic
// error event, and marks the emitter finished so no further chunks produce
// output.
func (e *Emitter) Abort(errBody anthropic.ErrorDetail) {
	if e.finished {
		return
	}
	e.closeCurrent()
	e.emit(Event{Type: EventError, Data: ErrorData{Type: "error", Error: errBody}})
	e.finished = true
}

// Started reports whether at least one event has been emitted, which
// determines whether a stream failure should be surfaced as a synthetic
// error event (Abort) or a plain HTTP error.
func (e *Emitter) Started() bool {
	return e.started
}
