// Package llm provides the advisory layer: market analysis and capital
// advice from a hosted language model. Advice is never load-bearing; every
// caller must behave sensibly when the provider is down or the output is
// garbage.
package llm

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"tradebot-platform/config"
	"tradebot-platform/internal/logging"
)

// Provider identifies the hosted model behind the client.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

const (
	claudeURL = "https://api.anthropic.com/v1/messages"
	openAIURL = "https://api.openai.com/v1/chat/completions"
	geminiURL = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"
)

// Client is a thin completion client over the provider HTTP APIs.
type Client struct {
	cfg    config.LLMConfig
	http   *resty.Client
	logger *logging.Logger
}

// NewClient creates an LLM client from configuration.
func NewClient(cfg config.LLMConfig) *Client {
	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json")
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logging.Default().WithComponent("llm"),
	}
}

// Provider returns the configured provider.
func (c *Client) Provider() Provider {
	return Provider(c.cfg.Provider)
}

// IsConfigured reports whether the client can actually reach a provider.
func (c *Client) IsConfigured() bool {
	if !c.cfg.Enabled {
		return false
	}
	return c.apiKey() != ""
}

func (c *Client) apiKey() string {
	switch Provider(c.cfg.Provider) {
	case ProviderClaude:
		return c.cfg.ClaudeAPIKey
	case ProviderOpenAI:
		return c.cfg.OpenAIAPIKey
	case ProviderGemini:
		return c.cfg.GeminiAPIKey
	}
	return ""
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a completion request to the configured provider and
// returns the raw model text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch Provider(c.cfg.Provider) {
	case ProviderClaude:
		return c.completeClaude(ctx, systemPrompt, userPrompt)
	case ProviderOpenAI:
		return c.completeOpenAI(ctx, systemPrompt, userPrompt)
	case ProviderGemini:
		return c.completeGemini(ctx, systemPrompt, userPrompt)
	default:
		return "", fmt.Errorf("unsupported llm provider: %s", c.cfg.Provider)
	}
}

func (c *Client) completeClaude(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := claudeRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		System:      systemPrompt,
		Messages:    []message{{Role: "user", Content: userPrompt}},
	}

	var out claudeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", c.cfg.ClaudeAPIKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(claudeURL)
	if err != nil {
		return "", fmt.Errorf("error calling claude: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("claude api error: %s - %s", out.Error.Type, out.Error.Message)
	}
	if resp.IsError() || len(out.Content) == 0 {
		return "", fmt.Errorf("empty response from claude (status %d)", resp.StatusCode())
	}
	return out.Content[0].Text, nil
}

func (c *Client) completeOpenAI(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openAIRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	var out openAIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.cfg.OpenAIAPIKey).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(openAIURL)
	if err != nil {
		return "", fmt.Errorf("error calling openai: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openai api error: %s - %s", out.Error.Type, out.Error.Message)
	}
	if resp.IsError() || len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai (status %d)", resp.StatusCode())
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) completeGemini(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []struct{ Text string `json:"text"` }{{Text: userPrompt}},
		}},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{
			Parts: []struct{ Text string `json:"text"` }{{Text: systemPrompt}},
		}
	}
	req.GenerationConfig.Temperature = c.cfg.Temperature
	req.GenerationConfig.MaxOutputTokens = c.cfg.MaxTokens

	var out geminiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", c.cfg.GeminiAPIKey).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf(geminiURL, c.cfg.Model))
	if err != nil {
		return "", fmt.Errorf("error calling gemini: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("gemini api error %d: %s", out.Error.Code, out.Error.Message)
	}
	if resp.IsError() || len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini (status %d)", resp.StatusCode())
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
