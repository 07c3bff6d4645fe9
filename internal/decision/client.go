package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"numerusx/internal/trace"
)

// ErrContentFiltered is returned when the service refuses the request on content grounds.
var ErrContentFiltered = errors.New("reasoning service rejected content")

// Request is one reasoning call.
type Request struct {
	System string
	User   string
}

// Reasoner is the external reasoning service. One call per Complete.
type Reasoner interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientConfig configures an OpenAI-compatible chat completions endpoint.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// Timeout bounds the HTTP exchange; callers also pass a deadline.
	Timeout time.Duration
}

// ChatClient calls POST {BaseURL}/chat/completions.
type ChatClient struct {
	http *resty.Client
	cfg  ClientConfig
}

// NewChatClient builds a client. BaseURL defaults to the OpenAI API.
func NewChatClient(cfg ClientConfig) *ChatClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &ChatClient{http: c, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete sends one chat completion and returns the first choice's content.
func (c *ChatClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := trace.StartSpan(ctx, "decision.reasoning_call")
	defer span.End()

	var out chatResponse
	var apiErr chatError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: req.System},
				{Role: "user", Content: req.User},
			},
			Temperature:    c.cfg.Temperature,
			MaxTokens:      c.cfg.MaxTokens,
			ResponseFormat: map[string]string{"type": "json_object"},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("reasoning request failed: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error.Code == "content_policy_violation" || apiErr.Error.Code == "content_filter" {
			return "", fmt.Errorf("%w: %s", ErrContentFiltered, apiErr.Error.Message)
		}
		return "", fmt.Errorf("reasoning service http %d: %s", resp.StatusCode(), apiErr.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("reasoning service returned no choices")
	}

	choice := out.Choices[0]
	if choice.FinishReason == "content_filter" || choice.Message.Refusal != "" {
		return "", fmt.Errorf("%w: %s", ErrContentFiltered, choice.Message.Refusal)
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", errors.New("reasoning service returned empty content")
	}
	return content, nil
}
