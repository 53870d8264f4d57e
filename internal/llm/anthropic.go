package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultModel   = "claude-haiku-4-5"
	anthropicVersion        = "2023-06-01"
)

// Anthropic calls the Messages API.
type Anthropic struct {
	BaseURL   string
	Model     string
	APIKey    string
	KeyEnvs   []string
	MaxTokens int
	Client    *http.Client
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Configured() bool { return p.APIKey != "" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if p.APIKey == "" {
		return Response{}, missingKey(p.Name(), p.KeyEnvs)
	}
	model := coalesce(req.Model, p.Model, anthropicDefaultModel)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal anthropic payload: %w", err)
	}
	url := strings.TrimRight(coalesce(p.BaseURL, anthropicDefaultBaseURL), "/") + "/v1/messages"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create anthropic request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("x-api-key", p.APIKey)
	hreq.Header.Set("anthropic-version", anthropicVersion)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic http call: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read anthropic response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := trim(string(respBody), 500)
		var eb anthropicErrorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error.Message != "" {
			msg = eb.Error.Message
			if eb.Error.Type != "" {
				msg = eb.Error.Type + ": " + msg
			}
		}
		return Response{}, newError(p.Name(), resp.StatusCode, msg)
	}
	var out anthropicResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, fmt.Errorf("parse anthropic response: %w", err)
	}
	text := ""
	if len(out.Content) > 0 {
		text = out.Content[0].Text
	}
	return Response{Text: text, Provider: p.Name(), Model: coalesce(out.Model, model)}, nil
}
