// Package ai talks to the OpenRouter chat-completions API for the two
// model roles the sentinel uses: the fast log classifier and the deep
// root-cause analyzer. Both share one HTTP client wrapped in a circuit
// breaker; retry policy lives here so callers see a single attempt.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const completionsPath = "/chat/completions"

// Retry policy for model calls: 3 attempts, exponential backoff starting
// at 2s and capped at 10s.
const (
	maxAttempts     = 3
	retryBaseDelay  = 2 * time.Second
	retryMaxDelay   = 10 * time.Second
	defaultTimeout  = 120 * time.Second
	breakerFailures = 5
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a single completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
	// ProviderOrder pins OpenRouter routing to specific upstream
	// providers, used to keep the fast path on Cerebras hardware.
	ProviderOrder []string
}

type apiRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Provider       *providerPrefs  `json:"provider,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type providerPrefs struct {
	Order []string `json:"order"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// Client is a retrying OpenRouter chat-completions client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClient builds a Client for the given OpenRouter endpoint.
func NewClient(baseURL, apiKey string, logger zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "openrouter",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Model API circuit breaker state change")
		},
	})
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: defaultTimeout},
		breaker:   breaker,
		logger:    logger,
		baseDelay: retryBaseDelay,
		maxDelay:  retryMaxDelay,
	}
}

// Chat performs a completion call with retries and returns the content of
// the first choice.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, err := c.chatOnce(ctx, req)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Str("model", req.Model).
			Msg("Model call failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	return "", lastErr
}

func (c *Client) chatOnce(ctx context.Context, req ChatRequest) (string, error) {
	body := apiRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if len(req.ProviderOrder) > 0 {
		body.Provider = &providerPrefs{Order: req.ProviderOrder}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, payload)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) post(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp apiResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no response choices returned")
	}
	if parsed.Choices[0].Message.Content == "" {
		return "", errors.New("empty content in model response")
	}
	return parsed.Choices[0].Message.Content, nil
}
