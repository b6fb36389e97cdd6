package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

const mistralChatURL = "https://api.mistral.ai/v1/chat/completions"

// MistralProvider handles Mistral AI API requests. Mistral exposes an
// OpenAI-compatible chat completions endpoint.
type MistralProvider struct {
	apiKey     string
	httpClient *http.Client
}

// MistralRequest represents a request to Mistral's chat completions API
type MistralRequest struct {
	Model       string           `json:"model"`
	Messages    []MistralMessage `json:"messages"`
	Temperature *float32         `json:"temperature,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// MistralMessage represents a chat message
type MistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MistralResponse represents a response from Mistral's API
type MistralResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []MistralChoice `json:"choices"`
	Usage   openai.Usage    `json:"usage"`
}

// MistralChoice represents a completion choice
type MistralChoice struct {
	Index        int            `json:"index"`
	Message      MistralMessage `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

// NewMistralProvider creates a new Mistral provider
func NewMistralProvider(apiKey string) *MistralProvider {
	return &MistralProvider{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (p *MistralProvider) Name() string {
	return "mistral"
}

// Invoke makes a chat completion request to Mistral
func (p *MistralProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	messages := []MistralMessage{}
	if system, ok := stringOption(req.Options, "system"); ok {
		messages = append(messages, MistralMessage{Role: "system", Content: system})
	}
	messages = append(messages, MistralMessage{Role: "user", Content: req.Prompt})

	mistralReq := MistralRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if temp, ok := floatOption(req.Options, "temperature"); ok {
		mistralReq.Temperature = &temp
	}
	if topP, ok := floatOption(req.Options, "top_p"); ok {
		mistralReq.TopP = &topP
	}
	if maxTokens, ok := intOption(req.Options, "max_tokens"); ok {
		mistralReq.MaxTokens = &maxTokens
	}

	reqBody, _ := json.Marshal(mistralReq)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", mistralChatURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("Mistral API error: %s", string(body)),
		}
	}

	var mistralResp MistralResponse
	if err := json.Unmarshal(body, &mistralResp); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	var content string
	if len(mistralResp.Choices) > 0 {
		content = mistralResp.Choices[0].Message.Content
	}

	return &Response{
		ID:        mistralResp.ID,
		Provider:  p.Name(),
		Model:     mistralResp.Model,
		Content:   content,
		Usage:     mistralResp.Usage,
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}
