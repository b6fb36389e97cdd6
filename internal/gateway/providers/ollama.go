package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OllamaProvider handles requests to a local or self-hosted Ollama server.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// OllamaRequest represents a request to Ollama's generate API
type OllamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// OllamaResponse represents a response from Ollama's generate API
type OllamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL string) *OllamaProvider {
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Invoke makes a generate request to Ollama
func (p *OllamaProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	ollamaReq := OllamaRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: false,
	}
	if system, ok := stringOption(req.Options, "system"); ok {
		ollamaReq.System = system
	}
	options := make(map[string]interface{})
	if temp, ok := floatOption(req.Options, "temperature"); ok {
		options["temperature"] = temp
	}
	if topP, ok := floatOption(req.Options, "top_p"); ok {
		options["top_p"] = topP
	}
	if maxTokens, ok := intOption(req.Options, "max_tokens"); ok {
		options["num_predict"] = maxTokens
	}
	if len(options) > 0 {
		ollamaReq.Options = options
	}

	reqBody, _ := json.Marshal(ollamaReq)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
			Err:        fmt.Errorf("Ollama API error: %s", string(body)),
		}
	}

	var ollamaResp OllamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	return &Response{
		ID:       fmt.Sprintf("ollama-%d", time.Now().UnixNano()),
		Provider: p.Name(),
		Model:    ollamaResp.Model,
		Content:  ollamaResp.Response,
		Usage: openai.Usage{
			PromptTokens:     ollamaResp.PromptEvalCount,
			CompletionTokens: ollamaResp.EvalCount,
			TotalTokens:      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		},
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}
