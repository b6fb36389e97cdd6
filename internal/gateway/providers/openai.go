package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider handles OpenAI API requests
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Invoke makes a chat completion request to OpenAI
func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	messages := []openai.ChatCompletionMessage{}
	if system, ok := stringOption(req.Options, "system"); ok {
		messages = append(messages, openai.ChatCompletionMessage{Role: "system", Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: "user", Content: req.Prompt})

	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if temp, ok := floatOption(req.Options, "temperature"); ok {
		openaiReq.Temperature = temp
	}
	if maxTokens, ok := intOption(req.Options, "max_tokens"); ok {
		openaiReq.MaxTokens = maxTokens
	}
	if topP, ok := floatOption(req.Options, "top_p"); ok {
		openaiReq.TopP = topP
	}

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: openaiStatusCode(err), Err: err}
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Response{
		ID:        resp.ID,
		Provider:  p.Name(),
		Model:     resp.Model,
		Content:   content,
		Usage:     resp.Usage,
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}

func openaiStatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
