package llm

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"orion/internal/audit"
	"orion/internal/config"
)

type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	Model     string
}

type Response struct {
	Text     string
	Provider string
	Model    string
}

// Provider produces completion text for a prompt. Implementations are
// stateless and safe for concurrent use.
type Provider interface {
	Name() string
	Configured() bool
	Complete(ctx context.Context, req Request) (Response, error)
}

// HealthStatus is the result of a minimal completion round trip.
type HealthStatus struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Health issues a tiny prompt against p.
func Health(ctx context.Context, p Provider) HealthStatus {
	resp, err := p.Complete(ctx, Request{Prompt: "OK", MaxTokens: 8})
	if err != nil {
		msg := err.Error()
		var e *Error
		if errors.As(err, &e) {
			msg = e.Message
		}
		return HealthStatus{OK: false, Provider: p.Name(), Message: msg}
	}
	return HealthStatus{OK: true, Provider: resp.Provider, Model: resp.Model}
}

// Fallback tries providers in order. A provider that is not configured is
// skipped; an auth or transient failure falls through to the next one and
// any other failure is returned immediately.
type Fallback struct {
	Providers []Provider
}

func (f *Fallback) Name() string {
	names := make([]string, 0, len(f.Providers))
	for _, p := range f.Providers {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}

func (f *Fallback) Configured() bool {
	for _, p := range f.Providers {
		if p.Configured() {
			return true
		}
	}
	return false
}

func (f *Fallback) Complete(ctx context.Context, req Request) (Response, error) {
	var firstTransient, last error
	tried := 0
	for _, p := range f.Providers {
		if !p.Configured() {
			continue
		}
		tried++
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, err
		}
		switch ClassOf(err) {
		case ClassTransient:
			if firstTransient == nil {
				firstTransient = err
			}
			last = err
		case ClassAuth:
			last = err
		default:
			return Response{}, err
		}
	}
	if tried == 0 {
		return Response{}, &Error{Class: ClassAuth, Provider: f.Name(), Message: "no provider configured"}
	}
	// A transient failure anywhere in the chain keeps the call retryable.
	if firstTransient != nil {
		return Response{}, firstTransient
	}
	return Response{}, last
}

// Set is the configured provider chain plus each member for health checks.
type Set struct {
	Chain   *Fallback
	Members []Provider
}

// NewFromConfig builds the provider chain with the configured primary first.
// getenv resolves credentials; nil means os.Getenv.
func NewFromConfig(cfg config.ProviderConfig, getenv func(string) string) Set {
	if getenv == nil {
		getenv = os.Getenv
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	anthropic := &Anthropic{
		BaseURL:   cfg.Anthropic.BaseURL,
		Model:     cfg.Anthropic.Model,
		APIKey:    lookupKey(getenv, cfg.Anthropic.APIKeyEnv),
		KeyEnvs:   cfg.Anthropic.APIKeyEnv,
		MaxTokens: cfg.MaxTokens,
		Client:    client,
	}
	openai := &OpenAI{
		BaseURL:   cfg.OpenAI.BaseURL,
		Model:     cfg.OpenAI.Model,
		APIKey:    lookupKey(getenv, cfg.OpenAI.APIKeyEnv),
		KeyEnvs:   cfg.OpenAI.APIKeyEnv,
		MaxTokens: cfg.MaxTokens,
		Client:    client,
	}
	members := []Provider{anthropic, openai}
	if cfg.Primary == "openai" {
		members = []Provider{openai, anthropic}
	}
	return Set{Chain: &Fallback{Providers: members}, Members: members}
}

func lookupKey(getenv func(string) string, envs []string) string {
	for _, name := range envs {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trim(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return audit.Truncate(s, max) + "..."
}
