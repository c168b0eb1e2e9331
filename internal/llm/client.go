// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Mode selects the generation profile. Fast serves extraction and
// resolution; deliberate serves summarization and reflection.
type Mode string

const (
	ModeFast       Mode = "fast"
	ModeDeliberate Mode = "deliberate"
)

// ErrEmptyResponse is returned when the collaborator answers with no content
var ErrEmptyResponse = errors.New("llm: empty response")

// Request describes one text-generation call
type Request struct {
	System      string
	Prompt      string
	Mode        Mode
	JSON        bool // request a JSON object response
	Temperature *float64
}

// Client is the text-generation collaborator contract
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// OpenAIClient implements Client against an OpenAI-compatible
// chat-completions endpoint
type OpenAIClient struct {
	baseURL         string
	apiKey          string
	fastModel       string
	deliberateModel string
	temperatureFast float64
	temperatureDeep float64
	maxTokens       int
	maxRetries      int
	httpClient      *http.Client
}

// Options configures the OpenAI-compatible client
type Options struct {
	BaseURL         string
	APIKey          string
	FastModel       string
	DeliberateModel string
	TemperatureFast float64
	TemperatureDeep float64
	MaxOutputTokens int
	MaxRetries      int
	Timeout         time.Duration
}

// NewOpenAIClient creates a new chat-completions client
func NewOpenAIClient(opts Options) *OpenAIClient {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &OpenAIClient{
		baseURL:         opts.BaseURL,
		apiKey:          opts.APIKey,
		fastModel:       opts.FastModel,
		deliberateModel: opts.DeliberateModel,
		temperatureFast: opts.TemperatureFast,
		temperatureDeep: opts.TemperatureDeep,
		maxTokens:       opts.MaxOutputTokens,
		maxRetries:      opts.MaxRetries,
		httpClient:      &http.Client{Timeout: opts.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate performs one chat-completion call with bounded exponential
// retry on transport failures. Context cancellation and deadlines are
// respected between attempts.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	model := c.fastModel
	temperature := c.temperatureFast
	if req.Mode == ModeDeliberate {
		model = c.deliberateModel
		temperature = c.temperatureDeep
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	}
	if req.JSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var content string
	operation := func() error {
		var err error
		content, err = c.doChat(ctx, body)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return content, nil
}

func (c *OpenAIClient) doChat(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	// 4xx other than rate limiting will not improve with retries
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return "", backoff.Permanent(fmt.Errorf("generation failed with status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("generation failed with status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", backoff.Permanent(fmt.Errorf("generation error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}
