// Package inference asks a language model to turn a UI description plus a
// hierarchy snapshot into a locator proposal.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
)

// Provider selects the wire format of the inference service.
type Provider string

// Supported providers
const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// Defaults
const (
	DefaultModel            = "gpt-oss:120b-cloud"
	DefaultTimeout          = 60 * time.Second
	DefaultSnapshotMaxChars = 15000
)

// Config configures a Client.
type Config struct {
	Provider            Provider
	Endpoint            string
	Model               string
	APIKey              string
	Timeout             time.Duration
	ConfidenceThreshold float64
	SnapshotMaxChars    int
}

// Client performs one synchronous inference call per Infer. It never retries.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client, filling zero values with defaults.
func New(cfg Config) *Client {
	if cfg.Provider == "" {
		cfg.Provider = ProviderOllama
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = core.DefaultConfidenceThreshold
	}
	if cfg.SnapshotMaxChars <= 0 {
		cfg.SnapshotMaxChars = DefaultSnapshotMaxChars
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Infer proposes a locator for description. The returned locator is always
// populated when the reply parsed, even if an error is also returned, so
// callers can log the rejected proposal.
//
// Errors: ErrInferenceTransport, ErrInferenceParse, ErrInferenceNotFound,
// ErrLowConfidence.
func (c *Client) Infer(ctx context.Context, description, snapshot string) (core.Locator, error) {
	prompt := BuildPrompt(description, TruncateSnapshot(snapshot, c.cfg.SnapshotMaxChars))

	start := time.Now()
	content, err := c.complete(ctx, prompt)
	if err != nil {
		return core.NotFoundLocator, err
	}
	logger.Debug("inference: %s replied in %s", c.cfg.Model, time.Since(start).Round(time.Millisecond))

	loc, err := ParseReply(content)
	if err != nil {
		return core.NotFoundLocator, err
	}
	if loc.Kind == core.KindNotFound {
		return loc, core.ErrInferenceNotFound
	}
	if !loc.Accepted(c.cfg.ConfidenceThreshold) {
		return loc, core.ErrLowConfidence.WithDetails(map[string]interface{}{
			"confidence": loc.Confidence,
			"threshold":  c.cfg.ConfidenceThreshold,
		})
	}
	return loc, nil
}

// complete sends the prompt and returns the model's message content.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	switch c.cfg.Provider {
	case ProviderOllama:
		return c.ollamaChat(ctx, prompt)
	case ProviderOpenAI:
		return c.openAIChat(ctx, prompt)
	default:
		return "", core.ErrInferenceTransport.WithCause(fmt.Errorf("unsupported provider %q", c.cfg.Provider))
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"format"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message *chatMessage `json:"message"`
	Error   string       `json:"error"`
}

func (c *Client) ollamaChat(ctx context.Context, prompt string) (string, error) {
	body := ollamaRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Format:   "json",
		Stream:   false,
	}

	var resp ollamaResponse
	if err := c.callAPI(ctx, c.cfg.Endpoint+"/api/chat", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", core.ErrInferenceTransport.WithCause(fmt.Errorf("ollama: %s", resp.Error))
	}
	if resp.Message == nil {
		return "", core.ErrInferenceParse.WithCause(fmt.Errorf("ollama reply has no message"))
	}
	return resp.Message.Content, nil
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) openAIChat(ctx context.Context, prompt string) (string, error) {
	body := openAIRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var resp openAIResponse
	if err := c.callAPI(ctx, c.cfg.Endpoint+"/v1/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", core.ErrInferenceTransport.WithCause(fmt.Errorf("openai: %s", resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return "", core.ErrInferenceParse.WithCause(fmt.Errorf("openai reply has no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// callAPI posts body as JSON and decodes the reply envelope into out.
func (c *Client) callAPI(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ErrInferenceTransport.WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return core.ErrInferenceTransport.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.ErrInferenceTransport.WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.ErrInferenceTransport.WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.ErrInferenceTransport.WithCause(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.ErrInferenceParse.WithCause(fmt.Errorf("decode envelope: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
