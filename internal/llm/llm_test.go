package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"orion/internal/config"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   Class
	}{
		{429, "", ClassTransient},
		{529, "", ClassTransient},
		{503, "", ClassTransient},
		{500, "Overloaded", ClassTransient},
		{0, "hit rate limit", ClassTransient},
		{401, "", ClassAuth},
		{403, "", ClassAuth},
		{400, "invalid x-api-key", ClassAuth},
		{0, "authentication_error: bad key", ClassAuth},
		{400, "max_tokens too large", ClassOther},
	}
	for _, c := range cases {
		if got := classify(c.status, c.msg); got != c.want {
			t.Errorf("classify(%d, %q) = %s, want %s", c.status, c.msg, got, c.want)
		}
	}
	wrapped := fmt.Errorf("call: %w", newError("anthropic", 429, "slow down"))
	if !IsTransient(wrapped) || IsAuth(wrapped) {
		t.Fatalf("wrapped error class lost")
	}
	if IsTransient(nil) {
		t.Fatalf("nil is not transient")
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k1" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.MaxTokens != 1024 || len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"model":"claude-haiku-4-5","content":[{"type":"text","text":"done"}]}`))
	}))
	defer srv.Close()

	p := &Anthropic{BaseURL: srv.URL, APIKey: "k1", MaxTokens: 1024}
	resp, err := p.Complete(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "done" || resp.Provider != "anthropic" || resp.Model != "claude-haiku-4-5" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAnthropicErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()
	p := &Anthropic{BaseURL: srv.URL, APIKey: "k1"}
	_, err := p.Complete(context.Background(), Request{Prompt: "x"})
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if e.Class != ClassTransient || e.StatusCode != 529 || e.Message != "overloaded_error: Overloaded" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestErrorBodyTrimmedOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", 600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	p := &Anthropic{BaseURL: srv.URL, APIKey: "k1"}
	_, err := p.Complete(context.Background(), Request{Prompt: "x"})
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !utf8.ValidString(e.Message) {
		t.Fatalf("message is not valid UTF-8: %q", e.Message)
	}
	if want := "a" + strings.Repeat("é", 499) + "..."; e.Message != want {
		t.Fatalf("unexpected message length %d", utf8.RuneCountInString(e.Message))
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k2" {
			t.Errorf("missing bearer")
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Temperature != openAITemperature {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok from openai"}}]}`))
	}))
	defer srv.Close()
	p := &OpenAI{BaseURL: srv.URL + "/api/v1/", APIKey: "k2", Model: "m"}
	resp, err := p.Complete(context.Background(), Request{System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "ok from openai" || resp.Model != "m" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestMissingKeyIsAuth(t *testing.T) {
	p := &OpenAI{KeyEnvs: []string{"OPENAI_API_KEY"}}
	_, err := p.Complete(context.Background(), Request{Prompt: "x"})
	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

type stubProvider struct {
	name       string
	configured bool
	err        error
	calls      int
}

func (s *stubProvider) Name() string     { return s.name }
func (s *stubProvider) Configured() bool { return s.configured }
func (s *stubProvider) Complete(ctx context.Context, req Request) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Text: s.name + " text", Provider: s.name}, nil
}

func TestFallbackChain(t *testing.T) {
	authFail := &stubProvider{name: "a", configured: true, err: newError("a", 401, "nope")}
	ok := &stubProvider{name: "b", configured: true}
	f := &Fallback{Providers: []Provider{authFail, ok}}
	resp, err := f.Complete(context.Background(), Request{Prompt: "x"})
	if err != nil || resp.Provider != "b" {
		t.Fatalf("expected fallback to b, got %+v %v", resp, err)
	}

	hard := &stubProvider{name: "a", configured: true, err: newError("a", 400, "bad request")}
	next := &stubProvider{name: "b", configured: true}
	f = &Fallback{Providers: []Provider{hard, next}}
	if _, err := f.Complete(context.Background(), Request{}); err == nil || next.calls != 0 {
		t.Fatalf("non-classified failure must not fall through")
	}

	limited := &stubProvider{name: "a", configured: true, err: newError("a", 429, "slow")}
	unconfigured := &stubProvider{name: "b"}
	f = &Fallback{Providers: []Provider{limited, unconfigured}}
	_, err = f.Complete(context.Background(), Request{})
	if !IsTransient(err) || unconfigured.calls != 0 {
		t.Fatalf("expected transient error from a, got %v", err)
	}

	limited = &stubProvider{name: "a", configured: true, err: newError("a", 429, "slow")}
	rejected := &stubProvider{name: "b", configured: true, err: newError("b", 401, "bad key")}
	f = &Fallback{Providers: []Provider{limited, rejected}}
	if _, err := f.Complete(context.Background(), Request{}); !IsTransient(err) {
		t.Fatalf("transient failure should win over auth, got %v", err)
	}

	f = &Fallback{Providers: []Provider{&stubProvider{name: "a"}}}
	if f.Configured() {
		t.Fatalf("unconfigured chain reported configured")
	}
	if _, err := f.Complete(context.Background(), Request{}); !IsAuth(err) {
		t.Fatalf("expected auth error for empty chain, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default().Provider
	env := map[string]string{"OPENROUTER_API_KEY": "or-key"}
	set := NewFromConfig(cfg, func(k string) string { return env[k] })
	if !set.Chain.Configured() {
		t.Fatalf("chain should be configured via OPENROUTER_API_KEY")
	}
	if set.Members[0].Name() != "anthropic" || set.Members[0].Configured() {
		t.Fatalf("anthropic should be first and unconfigured")
	}
	cfg.Primary = "openai"
	set = NewFromConfig(cfg, func(string) string { return "" })
	if set.Members[0].Name() != "openai" || set.Chain.Configured() {
		t.Fatalf("unexpected chain %s", set.Chain.Name())
	}
}

func TestHealth(t *testing.T) {
	st := Health(context.Background(), &stubProvider{name: "a", configured: true})
	if !st.OK || st.Provider != "a" {
		t.Fatalf("unexpected health %+v", st)
	}
	st = Health(context.Background(), &stubProvider{name: "b", err: newError("b", 401, "bad key")})
	if st.OK || st.Message != "bad key" || st.Provider != "b" {
		t.Fatalf("unexpected health %+v", st)
	}
}
