// Package llm is a minimal chat-completions client for OpenAI-compatible
// endpoints. It supports exactly the two call shapes the extractor needs:
// a forced tool call and a JSON-object completion.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBaseURL is the endpoint used when none is configured.
const DefaultBaseURL = "https://space.ai-builders.com/backend/v1"

// DefaultModel is the model used when none is configured.
const DefaultModel = "supermind-agent-v1"

// Extraction runs cold to keep event output stable across retries.
const extractionTemperature = 0.2

var (
	// ErrMissingAPIKey indicates the client was built without credentials.
	ErrMissingAPIKey = errors.New("llm: api key is required")
	// ErrNoToolCall indicates the model answered without calling the tool.
	ErrNoToolCall = errors.New("llm: response contains no tool call")
	// ErrEmptyResponse indicates the model returned no content.
	ErrEmptyResponse = errors.New("llm: response contains no content")
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model is forced to call. Parameters is a
// JSON-schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Client is the surface the extractor depends on. CallWithTool returns
// the tool call's raw argument JSON; CallWithJSON returns the message
// content of a JSON-mode completion.
type Client interface {
	CallWithTool(ctx context.Context, messages []Message, tool Tool) (string, error)
	CallWithJSON(ctx context.Context, messages []Message) (string, error)
}

// Config configures an OpenAI-compatible client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type openAIClient struct {
	cfg Config
}

// New builds a chat-completions client. The API key is mandatory; base
// URL and model fall back to the defaults.
func New(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &openAIClient{cfg: cfg}, nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) CallWithTool(ctx context.Context, messages []Message, tool Tool) (string, error) {
	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
		"tools": []map[string]any{{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		}},
		"tool_choice": map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tool.Name},
		},
		"temperature": extractionTemperature,
	}

	var payload chatResponse
	if err := postJSON(ctx, c.cfg, "/chat/completions", body, &payload); err != nil {
		return "", err
	}
	for _, choice := range payload.Choices {
		for _, call := range choice.Message.ToolCalls {
			if call.Function.Name == tool.Name && strings.TrimSpace(call.Function.Arguments) != "" {
				return call.Function.Arguments, nil
			}
		}
	}
	return "", ErrNoToolCall
}

func (c *openAIClient) CallWithJSON(ctx context.Context, messages []Message) (string, error) {
	body := map[string]any{
		"model":           c.cfg.Model,
		"messages":        messages,
		"response_format": map[string]any{"type": "json_object"},
		"temperature":     extractionTemperature,
	}

	var payload chatResponse
	if err := postJSON(ctx, c.cfg, "/chat/completions", body, &payload); err != nil {
		return "", err
	}
	for _, choice := range payload.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", ErrEmptyResponse
}

// postJSON sends one JSON request to the configured endpoint and decodes
// the 2xx response into out.
func postJSON(ctx context.Context, cfg Config, path string, body map[string]any, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Credential material is sent only as an Authorization header and is
	// never echoed in errors or response payloads.
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	res, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(res.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("read error body: %w", readErr)
		}
		return fmt.Errorf("request status %d: %s", res.StatusCode, strings.TrimSpace(string(errBody)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
