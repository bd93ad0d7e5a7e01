// Package llm wraps the model endpoints behind a single Call contract.
//
// Three logical clients share this implementation: the query generator, the
// evaluator (used in both support and skeptic roles), and the judge. The
// primary endpoint speaks OpenAI-compatible chat; a completion-style
// fallback endpoint is tried on connection-class failures.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client calls one logical model.
type Client struct {
	baseURL     string
	fallbackURL string
	apiKey      string
	model       string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Usage accumulates provider-reported token counts and cost across a
// pipeline run. Callers read it after the run completes.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// NewClient creates a client for one logical model. fallbackURL may be
// empty, in which case connection failures surface directly.
func NewClient(baseURL, fallbackURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		fallbackURL: strings.TrimRight(fallbackURL, "/"),
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends one prompt and returns the raw text. On connection-class
// failure against the primary endpoint, the fallback completion endpoint is
// tried with the same textual contract.
func (c *Client) Call(ctx context.Context, system, user string, maxTokens int, temperature float64, usage *Usage) (string, error) {
	text, err := c.callChat(ctx, system, user, maxTokens, temperature, usage)
	if err == nil {
		return text, nil
	}
	if c.fallbackURL == "" || !connectionError(err) {
		return "", err
	}

	c.logger.Warn("primary llm endpoint unreachable, using fallback", "model", c.model, "error", err)
	text, ferr := c.callCompletion(ctx, system, user, maxTokens, temperature)
	if ferr != nil {
		return "", fmt.Errorf("llm: fallback after %v: %w", err, ferr)
	}
	return text, nil
}

func (c *Client) callChat(ctx context.Context, system, user string, maxTokens int, temperature float64, usage *Usage) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal chat request: %w", err)
	}

	body, err := c.post(ctx, c.baseURL+"/chat/completions", reqBody)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices from %s", c.model)
	}
	if usage != nil {
		usage.PromptTokens += parsed.Usage.PromptTokens
		usage.CompletionTokens += parsed.Usage.CompletionTokens
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) callCompletion(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	prompt := system + "\n\n" + user
	reqBody, err := json.Marshal(completionRequest{
		Model:       c.model,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal completion request: %w", err)
	}

	body, err := c.post(ctx, c.fallbackURL+"/completions", reqBody)
	if err != nil {
		return "", err
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: fallback error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion choices from %s", c.model)
	}
	return parsed.Choices[0].Text, nil
}

func (c *Client) post(ctx context.Context, endpoint string, reqBody []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: status %d from %s: %s", resp.StatusCode, endpoint, string(body[:min(len(body), 256)]))
	}
	return body, nil
}

// connectionError reports whether the primary endpoint is unreachable (as
// opposed to rejecting the request).
func connectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}
