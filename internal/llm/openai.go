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
	openAIDefaultBaseURL = "https://openrouter.ai/api/v1"
	openAIDefaultModel   = "openai-codex/gpt-5.3-codex"
	openAITemperature    = 0.4
)

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	BaseURL   string
	Model     string
	APIKey    string
	KeyEnvs   []string
	MaxTokens int
	Client    *http.Client
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Configured() bool { return p.APIKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func chatCompletionsURL(baseURL string) string {
	baseURL = strings.TrimRight(coalesce(baseURL, openAIDefaultBaseURL), "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if p.APIKey == "" {
		return Response{}, missingKey(p.Name(), p.KeyEnvs)
	}
	model := coalesce(req.Model, p.Model, openAIDefaultModel)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs, Temperature: openAITemperature, MaxTokens: maxTokens})
	if err != nil {
		return Response{}, fmt.Errorf("marshal openai payload: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, chatCompletionsURL(p.BaseURL), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create openai request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+p.APIKey)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return Response{}, fmt.Errorf("openai http call: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := trim(string(respBody), 500)
		var eb chatErrorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error.Message != "" {
			msg = eb.Error.Message
		}
		return Response{}, newError(p.Name(), resp.StatusCode, msg)
	}
	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, fmt.Errorf("parse openai response: %w", err)
	}
	text := ""
	if len(out.Choices) > 0 {
		text = out.Choices[0].Message.Content
	}
	return Response{Text: text, Provider: p.Name(), Model: coalesce(out.Model, model)}, nil
}
