// Package pipeline orchestrates a single request end to end: validation,
// model resolution, cache probing, account leasing, schema translation,
// upstream dispatch, and translating the result (or failure) back into the
// Anthropic wire shape.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kvoss/ccproxy/internal/account"
	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/cache"
	"github.com/kvoss/ccproxy/internal/ccerrors"
	"github.com/kvoss/ccproxy/internal/metrics"
	"github.com/kvoss/ccproxy/internal/modelregistry"
	"github.com/kvoss/ccproxy/internal/ratelimit"
	"github.com/kvoss/ccproxy/internal/sse"
	"github.com/kvoss/ccproxy/internal/translate"
	"github.com/kvoss/ccproxy/internal/upstream"
)

// Options carries the per-request controls the HTTP layer extracts from
// headers before invoking the pipeline.
type Options struct {
	NoCache         bool
	AccountOverride string
}

// Pipeline wires together every component a request passes through.
type Pipeline struct {
	Cache      *cache.Cache
	Scheduler  *account.Scheduler
	Manager    *account.Manager
	Upstream   *upstream.Client
	SigCache   *translate.SignatureCache
	Metrics    *metrics.Registry
	Dedup      *ratelimit.Deduper
	MaxOutputTokensCeiling int
	Debug      bool
}

// Outcome is the result of running the pipeline to completion.
type Outcome struct {
	Response    *anthropic.Response
	CacheStatus cache.Status
}

// Handle runs the full pipeline for a non-streaming client request, or a
// client request whose resolved model forces the streaming upstream path
// (thinking models, Gemini 3+) but which the client asked to receive as a
// single buffered JSON body.
func (p *Pipeline) Handle(ctx context.Context, req *anthropic.Request, opts Options) (*Outcome, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	model, clientModel, ok := modelregistry.Resolve(req.Model)
	if !ok {
		return nil, ccerrors.ErrUnknownModel
	}

	cacheable := p.Cache != nil && !req.Stream && !modelregistry.IsThinking(model)
	eligible := cacheable && !opts.NoCache
	bypassed := cacheable && opts.NoCache

	compute := func() (*anthropic.Response, error) {
		return p.dispatchNonStreaming(ctx, req, model, clientModel, opts)
	}

	if eligible {
		fp, err := fingerprint(req)
		if err == nil {
			resp, status, err := p.Cache.GetOrCompute(fp, compute)
			if p.Metrics != nil {
				p.Metrics.ObserveCache(string(status))
			}
			if err != nil {
				return nil, err
			}
			return &Outcome{Response: resp, CacheStatus: status}, nil
		}
	}

	if bypassed {
		fp, err := fingerprint(req)
		if err == nil {
			v, _, err := p.dedup().Do(fp, func() (interface{}, error) { return compute() })
			if p.Metrics != nil {
				p.Metrics.ObserveCache(string(cache.StatusBypass))
			}
			if err != nil {
				return nil, err
			}
			return &Outcome{Response: v.(*anthropic.Response), CacheStatus: cache.StatusBypass}, nil
		}
	}

	resp, err := compute()
	if err != nil {
		return nil, err
	}
	status := cache.StatusMiss
	if req.Stream || modelregistry.IsThinking(model) {
		status = cache.StatusBypass
	}
	return &Outcome{Response: resp, CacheStatus: status}, nil
}

func (p *Pipeline) dedup() *ratelimit.Deduper {
	if p.Dedup == nil {
		p.Dedup = ratelimit.NewDeduper()
	}
	return p.Dedup
}

// HandleStream runs the full pipeline for a client streaming request,
// invoking emit for every Anthropic SSE event produced. Deduplication and
// caching never apply to streaming requests.
func (p *Pipeline) HandleStream(ctx context.Context, req *anthropic.Request, opts Options, emit func(sse.Event)) error {
	if err := validate(req); err != nil {
		return err
	}
	model, clientModel, ok := modelregistry.Resolve(req.Model)
	if !ok {
		return ccerrors.ErrUnknownModel
	}

	lease, model, err := p.lease(model, opts)
	if err != nil {
		return err
	}
	defer lease.Release()

	payload := translate.ToUpstream(req, model, clientModel, translate.Options{
		MaxOutputTokensCeiling: p.MaxOutputTokensCeiling,
		SignatureCache:         p.SigCache,
		ConversationKey:        conversationKey(req),
	})

	start := time.Now()
	result, err := p.Upstream.DispatchStream(ctx, lease, payload.Payload)
	if p.Metrics != nil {
		p.Metrics.ObserveUpstreamLatency(lease.Account.ID, model.Canonical, time.Since(start))
	}
	if err != nil {
		p.recordOutcome(lease.Account.ID, false)
		return err
	}
	defer result.Body.Close()

	emitter := sse.NewEmitter(clientModel, emit)
	parseErr := sse.ParseChunks(result.Body, emitter.HandleChunk)

	// A failure after bytes have already started flowing is the stream's
	// problem, not a request failure: emit a synthetic terminal error
	// event rather than returning an HTTP error the client can no longer
	// receive as one.
	if parseErr != nil {
		if emitter.Started() {
			emitter.Abort(anthropic.ErrorDetail{Type: anthropic.ErrAPI, Message: parseErr.Error()})
			p.recordOutcome(lease.Account.ID, false)
			return nil
		}
		p.recordOutcome(lease.Account.ID, false)
		return parseErr
	}
	p.recordOutcome(lease.Account.ID, true)
	return nil
}

func validate(req *anthropic.Request) error {
	if req.Model == "" {
		return &ccerrors.ValidationError{Field: "model", Message: "model is required"}
	}
	if len(req.Messages) == 0 {
		return &ccerrors.ValidationError{Field: "messages", Message: "messages must be non-empty"}
	}
	if req.MaxTokens <= 0 {
		return &ccerrors.ValidationError{Field: "max_tokens", Message: "max_tokens must be positive"}
	}
	if req.Messages[0].Role != anthropic.RoleUser {
		return &ccerrors.ValidationError{Field: "messages[0].role", Message: "the first turn must be from the user"}
	}

	seenToolUseIDs := map[string]bool{}
	for i, m := range req.Messages {
		if m.Role != anthropic.RoleUser && m.Role != anthropic.RoleAssistant {
			return &ccerrors.ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Message: "role must be user or assistant"}
		}
		if i > 0 && m.Role == req.Messages[i-1].Role {
			return &ccerrors.ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Message: "turns must alternate between user and assistant"}
		}

		for _, b := range m.Content {
			switch b.Type {
			case anthropic.BlockToolResult:
				if m.Role != anthropic.RoleUser {
					return &ccerrors.ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Message: "tool_result blocks may only appear in a user turn"}
				}
				if !seenToolUseIDs[b.ToolUseID] {
					return &ccerrors.ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Message: "tool_result references a tool_use id not seen in a preceding assistant turn"}
				}
			case anthropic.BlockToolUse:
				if m.Role == anthropic.RoleAssistant {
					seenToolUseIDs[b.ID] = true
				}
			}
		}
	}
	return nil
}

func fingerprint(req *anthropic.Request) (string, error) {
	messages, err := json.Marshal(req.Messages)
	if err != nil {
		return "", err
	}
	var tools json.RawMessage
	if len(req.Tools) > 0 {
		tools, err = json.Marshal(req.Tools)
		if err != nil {
			return "", err
		}
	}
	var toolChoice json.RawMessage
	if req.ToolChoice != nil {
		toolChoice, err = json.Marshal(req.ToolChoice)
		if err != nil {
			return "", err
		}
	}
	var thinking json.RawMessage
	if req.Thinking != nil {
		thinking, err = json.Marshal(req.Thinking)
		if err != nil {
			return "", err
		}
	}
	return cache.Fingerprint(cache.FingerprintInput{
		Model:         req.Model,
		System:        req.System,
		Messages:      messages,
		Tools:         tools,
		ToolChoice:    toolChoice,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Thinking:      thinking,
	})
}

// conversationKey derives a stable per-conversation identifier for the
// thinking-signature cache from the first message in the request, which
// stays constant across turns of the same conversation even as later
// messages are appended.
func conversationKey(req *anthropic.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	first, err := json.Marshal(req.Messages[0])
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(first)
	return hex.EncodeToString(sum[:])
}

// lease obtains an account lease for model. It does not itself attempt
// fallback substitution: the account pool's availability doesn't depend on
// which model is requested, so retrying the same selection immediately
// after a failure can never succeed. Fallback is instead applied by the
// caller, one dispatch attempt later, once a model-specific exhaustion
// signal (an overloaded or rate-limited error from the attempt on the
// leased account) has actually been observed.
func (p *Pipeline) lease(model modelregistry.Model, opts Options) (*account.Lease, modelregistry.Model, error) {
	if opts.AccountOverride != "" {
		lease, err := p.Scheduler.SelectSpecific(opts.AccountOverride)
		if err != nil {
			return nil, model, &ccerrors.OverloadedError{Model: model.Canonical, Cause: err}
		}
		return lease, model, nil
	}

	lease, err := p.Scheduler.Select()
	if err != nil {
		return nil, model, &ccerrors.OverloadedError{Model: model.Canonical, Cause: err}
	}
	return lease, model, nil
}

func (p *Pipeline) recordOutcome(accountID string, success bool) {
	if p.Manager != nil {
		_ = p.Manager.RecordOutcome(accountID, success, nil)
	}
	if !success {
		p.Scheduler.MarkFailure(accountID)
	}
	if p.Metrics != nil && !success {
		p.Metrics.ObserveAccountFailure(accountID)
	}
}

// dispatchNonStreaming attempts the requested model, and on an overloaded
// or rate-limited outcome falls back once to a same-family substitute when the scheduler
// has fallback substitution enabled and the override header wasn't used to
// pin a specific account.
func (p *Pipeline) dispatchNonStreaming(ctx context.Context, req *anthropic.Request, model modelregistry.Model, clientModel string, opts Options) (*anthropic.Response, error) {
	resp, err := p.attemptNonStreaming(ctx, req, model, clientModel, opts)
	if err == nil || opts.AccountOverride != "" || !p.Scheduler.FallbackEnabled() {
		return resp, err
	}
	if !ccerrors.IsOverloadedError(err) && !ccerrors.IsRateLimitedError(err) {
		return resp, err
	}
	fallbackModel, ok := modelregistry.Fallback(model)
	if !ok {
		return resp, err
	}
	return p.attemptNonStreaming(ctx, req, fallbackModel, clientModel, opts)
}

func (p *Pipeline) attemptNonStreaming(ctx context.Context, req *anthropic.Request, model modelregistry.Model, clientModel string, opts Options) (*anthropic.Response, error) {
	lease, model, err := p.lease(model, opts)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	payload := translate.ToUpstream(req, model, clientModel, translate.Options{
		MaxOutputTokensCeiling: p.MaxOutputTokensCeiling,
		SignatureCache:         p.SigCache,
		ConversationKey:        conversationKey(req),
	})

	start := time.Now()
	var resp *anthropic.Response
	if payload.UseStreaming {
		resp, err = p.dispatchBuffered(ctx, lease, payload, clientModel)
	} else {
		var result *upstream.Result
		result, err = p.Upstream.Dispatch(ctx, lease, payload.Payload)
		if err == nil {
			resp = translate.FromUpstream(result.Response, clientModel, p.SigCache, conversationKey(req), string(model.Family))
		}
	}
	if p.Metrics != nil {
		p.Metrics.ObserveUpstreamLatency(lease.Account.ID, model.Canonical, time.Since(start))
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.Metrics.ObserveRequest(clientModel, status)
	}
	p.recordOutcome(lease.Account.ID, err == nil)
	return resp, err
}

func (p *Pipeline) dispatchBuffered(ctx context.Context, lease *account.Lease, payload *translate.ToUpstreamResult, clientModel string) (*anthropic.Response, error) {
	result, err := p.Upstream.DispatchStream(ctx, lease, payload.Payload)
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	builder := newResponseBuilder()
	emitter := sse.NewEmitter(clientModel, builder.handle)
	parseErr := sse.ParseChunks(result.Body, emitter.HandleChunk)
	if parseErr != nil {
		return nil, fmt.Errorf("pipeline: reading buffered stream: %w", parseErr)
	}
	return builder.final(), nil
}
