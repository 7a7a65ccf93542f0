package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvoss/ccproxy/internal/account"
	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/cache"
	"github.com/kvoss/ccproxy/internal/ccerrors"
	"github.com/kvoss/ccproxy/internal/ratelimit"
	"github.com/kvoss/ccproxy/internal/sse"
	"github.com/kvoss/ccproxy/internal/translate"
	"github.com/kvoss/ccproxy/internal/upstream"
)

func newTestPipeline(t *testing.T, handler http.HandlerFunc, strategy account.Strategy, fallbackEnabled bool, accounts ...account.Account) (*Pipeline, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if len(accounts) == 0 {
		accounts = []account.Account{
			{ID: "acct-1", Enabled: true, AccessToken: "tok", AccessTokenExpiry: time.Now().Add(time.Hour)},
		}
	}
	manager, err := account.NewManager(account.NewInMemoryPersister(accounts))
	require.NoError(t, err)

	scheduler := account.NewScheduler(manager, strategy, fallbackEnabled, 0)

	upstreamClient := upstream.NewClient(srv.Client(), manager, nil, ratelimit.DefaultGateConfig())
	upstreamClient.SetEndpoints([]string{srv.URL})

	c, err := cache.New(cache.DefaultMaxEntries, cache.DefaultTTL)
	require.NoError(t, err)

	return &Pipeline{
		Cache:     c,
		Scheduler: scheduler,
		Manager:   manager,
		Upstream:  upstreamClient,
		SigCache:  translate.NewSignatureCache(),
	}, srv
}

func basicRequest(model string) *anthropic.Request {
	return &anthropic.Request{
		Model:     model,
		MaxTokens: 256,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "hello"}}},
		},
	}
}

func textCandidateBody(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3}}`, text)
}

func TestPipeline_Handle_ValidationFailure(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an invalid request")
	}, account.StrategySticky, false)

	_, err := p.Handle(context.Background(), &anthropic.Request{}, Options{})
	require.Error(t, err)
	status, body := ClassifyError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, anthropic.ErrInvalidRequest, body.Error.Type)
}

func TestPipeline_Handle_FirstTurnMustBeUser(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an invalid request")
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Messages[0].Role = anthropic.RoleAssistant

	_, err := p.Handle(context.Background(), req, Options{})
	require.Error(t, err)
	status, body := ClassifyError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, anthropic.ErrInvalidRequest, body.Error.Type)
}

func TestPipeline_Handle_TurnsMustAlternate(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an invalid request")
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Messages = append(req.Messages, anthropic.Message{
		Role:    anthropic.RoleUser,
		Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "again"}},
	})

	_, err := p.Handle(context.Background(), req, Options{})
	require.Error(t, err)
	status, _ := ClassifyError(err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPipeline_Handle_ToolResultMustBeInUserTurn(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an invalid request")
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Messages = append(req.Messages,
		anthropic.Message{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolUse, ID: "toolu_1", Name: "get_weather"},
			{Type: anthropic.BlockToolResult, ToolUseID: "toolu_1"},
		}},
	)

	_, err := p.Handle(context.Background(), req, Options{})
	require.Error(t, err)
	status, _ := ClassifyError(err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPipeline_Handle_ToolResultMustReferenceKnownToolUseID(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an invalid request")
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Messages = append(req.Messages,
		anthropic.Message{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolUse, ID: "toolu_1", Name: "get_weather"},
		}},
		anthropic.Message{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolResult, ToolUseID: "toolu_nonexistent"},
		}},
	)

	_, err := p.Handle(context.Background(), req, Options{})
	require.Error(t, err)
	status, _ := ClassifyError(err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPipeline_Handle_ToolResultReferencingPrecedingToolUseIsValid(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(textCandidateBody("done")))
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Messages = append(req.Messages,
		anthropic.Message{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolUse, ID: "toolu_1", Name: "get_weather"},
		}},
		anthropic.Message{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolResult, ToolUseID: "toolu_1", Content: []byte(`"sunny"`)},
		}},
	)

	_, err := p.Handle(context.Background(), req, Options{})
	require.NoError(t, err)
}

func TestPipeline_Handle_UnknownModel(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an unknown model")
	}, account.StrategySticky, false)

	_, err := p.Handle(context.Background(), basicRequest("not-a-real-model"), Options{})
	require.Error(t, err)
	status, _ := ClassifyError(err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPipeline_Handle_AliasResolution(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(textCandidateBody("hi there")))
	}, account.StrategySticky, false)

	out, err := p.Handle(context.Background(), basicRequest("sonnet"), Options{})
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, "claude-sonnet-4-5", out.Response.Model)
}

func TestPipeline_Handle_HaikuRemapEchoesClientFacingName(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: " + textCandidateBody("haiku reply") + "\n\n"))
	}, account.StrategySticky, false)

	out, err := p.Handle(context.Background(), basicRequest("claude-3-5-haiku"), Options{})
	require.NoError(t, err)
	// gemini-3-flash is a thinking model, so it must be dispatched on the
	// streaming endpoint and assembled into a buffered response, while the
	// client still sees the name it asked for.
	assert.Equal(t, "claude-3-5-haiku", out.Response.Model)
}

func TestPipeline_Handle_ThinkingModelUsesBufferedStreamAssembly(t *testing.T) {
	var sawAccept string
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		sawAccept = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"thought\":true,\"text\":\"reasoning\",\"thoughtSignature\":\"sig-0123456789abcdef0123456789abcdef\"}]}}}]}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"the answer\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":2}}\n\n"))
	}, account.StrategySticky, false)

	out, err := p.Handle(context.Background(), basicRequest("claude-opus-4-5"), Options{})
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	require.Len(t, out.Response.Content, 2)
	assert.Equal(t, anthropic.BlockThinking, out.Response.Content[0].Type)
	assert.Equal(t, anthropic.BlockText, out.Response.Content[1].Type)
	assert.Equal(t, "the answer", out.Response.Content[1].Text)
	assert.Equal(t, cache.StatusBypass, out.CacheStatus, "thinking models are never cached")
	assert.NotEmpty(t, sawAccept)
}

func TestPipeline_Handle_ToolRoundTrip(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"nyc"}}}]},"finishReason":"STOP"}]}`))
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Tools = []anthropic.Tool{{Name: "get_weather", Description: "looks up weather", InputSchema: []byte(`{"type":"object","properties":{"city":{"type":"string"}}}`)}}

	out, err := p.Handle(context.Background(), req, Options{})
	require.NoError(t, err)
	require.Len(t, out.Response.Content, 1)
	block := out.Response.Content[0]
	assert.Equal(t, anthropic.BlockToolUse, block.Type)
	assert.Equal(t, "get_weather", block.Name)
	assert.Equal(t, anthropic.StopToolUse, out.Response.StopReason)
}

func TestPipeline_Handle_CacheHitOnIdenticalRequest(t *testing.T) {
	var upstreamCalls int
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(textCandidateBody("cached reply")))
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	first, err := p.Handle(context.Background(), req, Options{})
	require.NoError(t, err)
	assert.Equal(t, cache.StatusMiss, first.CacheStatus)

	second, err := p.Handle(context.Background(), basicRequest("sonnet"), Options{})
	require.NoError(t, err)
	assert.Equal(t, cache.StatusHit, second.CacheStatus)
	assert.Equal(t, 1, upstreamCalls, "a cache hit must not reach upstream a second time")
	assert.Equal(t, first.Response.Content[0].Text, second.Response.Content[0].Text)
}

func TestPipeline_Handle_NoCacheHeaderBypassesCacheButStillDedupes(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(textCandidateBody("fresh reply")))
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	out, err := p.Handle(context.Background(), req, Options{NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, cache.StatusBypass, out.CacheStatus)

	_, hit := p.Cache.Get(mustFingerprint(t, req))
	assert.False(t, hit, "a bypassed request must not populate the cache")
}

func mustFingerprint(t *testing.T, req *anthropic.Request) string {
	t.Helper()
	fp, err := fingerprint(req)
	require.NoError(t, err)
	return fp
}

func TestPipeline_Handle_StreamingRequestNeverCached(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(textCandidateBody("streamed reply")))
	}, account.StrategySticky, false)

	req := basicRequest("sonnet")
	req.Stream = true
	out, err := p.Handle(context.Background(), req, Options{})
	require.NoError(t, err)
	assert.Equal(t, cache.StatusBypass, out.CacheStatus)
}

func TestPipeline_Handle_FallbackOnlyAfterObservedOverload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	accounts := []account.Account{
		{ID: "acct-1", Enabled: true, AccessToken: "tok", AccessTokenExpiry: time.Now().Add(time.Hour)},
	}
	manager, err := account.NewManager(account.NewInMemoryPersister(accounts))
	require.NoError(t, err)
	scheduler := account.NewScheduler(manager, account.StrategySticky, true, 0)
	upstreamClient := upstream.NewClient(srv.Client(), manager, nil, ratelimit.DefaultGateConfig())
	upstreamClient.SetEndpoints([]string{srv.URL})
	cch, err := cache.New(cache.DefaultMaxEntries, cache.DefaultTTL)
	require.NoError(t, err)

	p := &Pipeline{
		Cache:     cch,
		Scheduler: scheduler,
		Manager:   manager,
		Upstream:  upstreamClient,
		SigCache:  translate.NewSignatureCache(),
	}

	_, err = p.Handle(context.Background(), basicRequest("claude-opus-4-5"), Options{})
	require.Error(t, err, "every account rate-limited on both the original and fallback model must still fail")
}

func TestPipeline_Handle_AccountOverrideSkipsFallback(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, account.StrategySticky, true, account.Account{ID: "pinned", Enabled: true, AccessToken: "tok", AccessTokenExpiry: time.Now().Add(time.Hour)})

	_, err := p.Handle(context.Background(), basicRequest("claude-opus-4-5"), Options{AccountOverride: "pinned"})
	require.Error(t, err)
	status, _ := ClassifyError(err)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestPipeline_HandleStream_EmitsAnthropicEventSequence(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: " + textCandidateBody("streamed text") + "\n\n"))
	}, account.StrategySticky, false)

	var events []sse.EventType
	req := basicRequest("sonnet")
	req.Stream = true
	err := p.HandleStream(context.Background(), req, Options{}, func(ev sse.Event) {
		events = append(events, ev.Type)
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, sse.EventMessageStart, events[0])
	assert.Contains(t, events, sse.EventContentBlockDelta)
	assert.Equal(t, sse.EventMessageStop, events[len(events)-1])
}

func TestPipeline_HandleStream_ValidationFailsBeforeDispatch(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for an invalid streaming request")
	}, account.StrategySticky, false)

	err := p.HandleStream(context.Background(), &anthropic.Request{Stream: true}, Options{}, func(sse.Event) {})
	require.Error(t, err)
}

func TestClassifyError_NoAccounts(t *testing.T) {
	status, body := ClassifyError(ccerrors.ErrNoAccounts)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, anthropic.ErrOverloaded, body.Error.Type)
}
