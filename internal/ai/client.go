package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

var personas = map[string]string{
	TypeWayne:      "You are Wayne AI, a friendly and knowledgeable assistant helping a chat room. Answer concisely in the language of the question.",
	TypeConsulting: "You are Consulting AI, a professional business consultant helping a chat room. Give structured, practical advice in the language of the question.",
}

// ClientConfig configures the streaming client for the external
// token-generation service.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// NewClientFromEnv builds a client from OPENAI_API_KEY and friends,
// returning nil when no key is configured so AI mentions degrade to no-ops.
func NewClientFromEnv(logger *zap.Logger) *Client {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil
	}
	client, err := NewClient(ClientConfig{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
		Logger:  logger,
	})
	if err != nil {
		return nil
	}
	return client
}

// NewClient constructs the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: api key is required")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0} // streaming; the context bounds it
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		client:  httpClient,
		logger:  logger,
	}, nil
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Stream implements Service. It emits chunk events as tokens arrive and a
// terminal complete or error event before closing the channel.
func (c *Client) Stream(ctx context.Context, aiType, query string) (<-chan Event, error) {
	persona, ok := personas[aiType]
	if !ok {
		return nil, fmt.Errorf("ai: unknown assistant %q", aiType)
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: persona},
			{Role: "user", Content: query},
		},
		Stream: true,
	}
	payload.StreamOptions.IncludeUsage = true

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ai: marshal request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("ai: request failed: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, fmt.Errorf("ai: status %d", response.StatusCode)
	}

	events := make(chan Event, 16)
	go c.readStream(ctx, response, events)
	return events, nil
}

func (c *Client) readStream(ctx context.Context, response *http.Response, events chan<- Event) {
	defer close(events)
	defer response.Body.Close()

	started := time.Now()
	var content strings.Builder
	inCodeBlock := false
	completionTokens := 0
	totalTokens := 0

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("undecodable stream chunk", zap.Error(err))
			continue
		}
		if chunk.Usage != nil {
			completionTokens = chunk.Usage.CompletionTokens
			totalTokens = chunk.Usage.TotalTokens
		}
		for _, choice := range chunk.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			content.WriteString(delta)
			if fences := strings.Count(delta, "```"); fences%2 == 1 {
				inCodeBlock = !inCodeBlock
			}
			select {
			case <-ctx.Done():
				return
			case events <- Event{Kind: EventChunk, Chunk: delta, IsCodeBlock: inCodeBlock}:
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		events <- Event{Kind: EventError, Err: fmt.Errorf("ai: stream read: %w", err)}
		return
	}
	if ctx.Err() != nil {
		return
	}

	c.logger.Debug("ai stream complete",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("completion_tokens", completionTokens))
	events <- Event{
		Kind:             EventComplete,
		Content:          content.String(),
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
	}
}
