// Package providers contains concrete implementations of LLM providers.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nikaeng/nika/pkg/errors"
	"github.com/nikaeng/nika/pkg/httpclient"
	"github.com/nikaeng/nika/pkg/llm"
)

const (
	// openAIAPIBaseURL is the base URL for the OpenAI API.
	openAIAPIBaseURL = "https://api.openai.com/v1"
)

// OpenAIProvider implements the Provider interface against OpenAI's Chat
// Completions API. It also serves OpenAI-compatible endpoints (a custom
// BaseURL is honored) for Groq/DeepSeek-style drop-in backends.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	lastUsage  *llm.TokenUsage
	usageMu    sync.RWMutex
}

// NewOpenAIProvider creates a new OpenAI provider instance.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	return NewOpenAIProviderWithBaseURL(apiKey, "")
}

// NewOpenAIProviderWithBaseURL creates an OpenAI provider pointed at a
// custom base URL, for OpenAI-compatible vendors.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for OpenAI provider",
		}
	}
	if baseURL == "" {
		baseURL = openAIAPIBaseURL
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "nika-openai/1.0"
	cfg.RetryAttempts = 0

	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// NewOpenAIWithCredentials creates an OpenAI provider from credentials.
// This is the factory function registered with the global provider registry.
func NewOpenAIWithCredentials(creds llm.Credentials) (llm.Provider, error) {
	apiKeyCreds, ok := creds.(llm.APIKeyCredentials)
	if !ok {
		return nil, &errors.ConfigError{
			Key:    "openai.credentials",
			Reason: fmt.Sprintf("expected APIKeyCredentials, got %T", creds),
		}
	}
	return NewOpenAIProviderWithBaseURL(apiKeyCreds.APIKey, apiKeyCreds.BaseURL)
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Capabilities returns the features supported by this provider.
func (p *OpenAIProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming: true,
		Tools:     true,
		Models:    openAIModels,
	}
}

// Complete sends a synchronous completion request to the Chat Completions API.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildAPIRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("failed to marshal request: %v", err), RequestID: requestID}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("failed to create request: %v", err), RequestID: requestID}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err), RequestID: requestID}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.errorFromBody(resp.StatusCode, respBody, requestID)
	}

	var apiResp openAIChatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("failed to parse response: %v", err), RequestID: requestID}
	}

	return p.parseResponse(&apiResp, requestID)
}

// buildAPIRequest converts a CompletionRequest into OpenAI's chat-completions shape.
func (p *OpenAIProvider) buildAPIRequest(req llm.CompletionRequest, stream bool) *openAIChatRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := openAIMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == llm.MessageRoleTool {
			m.Role = "tool"
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, m)
	}

	var tools []openAITool
	for _, t := range req.Tools {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	apiReq := &openAIChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
		Stream:      stream,
		Stop:        req.StopSequences,
	}
	if req.MaxTokens != nil {
		apiReq.MaxTokens = req.MaxTokens
	}
	return apiReq
}

func (p *OpenAIProvider) setHeaders(httpReq *http.Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
}

func (p *OpenAIProvider) errorFromBody(statusCode int, body []byte, requestID string) error {
	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errors.ProviderError{
			Provider:   "openai",
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Suggestion: p.getSuggestionForError(statusCode),
			RequestID:  requestID,
		}
	}
	return &errors.ProviderError{
		Provider:   "openai",
		StatusCode: statusCode,
		Message:    fmt.Sprintf("API request failed with status %d: %s", statusCode, string(body)),
		RequestID:  requestID,
	}
}

func (p *OpenAIProvider) getSuggestionForError(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Check that your API key is valid and correctly configured"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded. Consider implementing backoff or reducing request frequency"
	case http.StatusBadRequest:
		return "Review the request format and parameters"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "OpenAI API is experiencing issues. Retry after a short delay"
	default:
		return "Check the OpenAI API documentation for more details"
	}
}

func (p *OpenAIProvider) parseResponse(resp *openAIChatResponse, requestID string) (*llm.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &errors.ProviderError{Provider: "openai", Message: "empty choices in response", RequestID: requestID}
	}
	choice := resp.Choices[0]

	var toolCalls []llm.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	usage := llm.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	p.setLastUsage(usage)

	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: p.mapFinishReason(choice.FinishReason),
		Usage:        usage,
		Model:        resp.Model,
		RequestID:    requestID,
		Created:      time.Now(),
	}, nil
}

func (p *OpenAIProvider) mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls":
		return llm.FinishReasonToolCalls
	case "content_filter":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

// Stream sends a streaming completion request using OpenAI's SSE chunk format.
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildAPIRequest(req, true)
	apiReq.StreamOptions = &openAIStreamOptions{IncludeUsage: true}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("failed to marshal request: %v", err), RequestID: requestID}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("failed to create request: %v", err), RequestID: requestID}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "openai", Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.errorFromBody(resp.StatusCode, respBody, requestID)
	}

	chunks := make(chan llm.StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	toolCallIndex := -1
	var totalUsage *llm.TokenUsage

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.StreamChunk{RequestID: requestID, Error: ctx.Err(), FinishReason: llm.FinishReasonError}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if totalUsage != nil {
					p.setLastUsage(*totalUsage)
				}
				return
			}
			chunks <- llm.StreamChunk{RequestID: requestID, Error: fmt.Errorf("stream read error: %w", err), FinishReason: llm.FinishReasonError}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			if totalUsage != nil {
				p.setLastUsage(*totalUsage)
			}
			return
		}

		var event openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		if event.Usage != nil {
			totalUsage = &llm.TokenUsage{
				InputTokens:  event.Usage.PromptTokens,
				OutputTokens: event.Usage.CompletionTokens,
				TotalTokens:  event.Usage.TotalTokens,
			}
			chunks <- llm.StreamChunk{RequestID: requestID, Usage: totalUsage}
		}

		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- llm.StreamChunk{RequestID: requestID, Delta: llm.StreamDelta{Content: choice.Delta.Content}}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" {
				toolCallIndex++
			}
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Delta: llm.StreamDelta{
					ToolCallDelta: &llm.ToolCallDelta{
						Index:          toolCallIndex,
						ID:             tc.ID,
						Name:           tc.Function.Name,
						ArgumentsDelta: tc.Function.Arguments,
					},
				},
			}
		}
		if choice.FinishReason != "" {
			chunks <- llm.StreamChunk{RequestID: requestID, FinishReason: p.mapFinishReason(choice.FinishReason)}
		}
	}
}

// GetLastUsage returns the token usage from the most recent request.
func (p *OpenAIProvider) GetLastUsage() *llm.TokenUsage {
	p.usageMu.RLock()
	defer p.usageMu.RUnlock()
	if p.lastUsage == nil {
		return nil
	}
	usage := *p.lastUsage
	return &usage
}

func (p *OpenAIProvider) setLastUsage(usage llm.TokenUsage) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	p.lastUsage = &usage
}

// openAIModels contains metadata for common OpenAI chat models.
var openAIModels = []llm.ModelInfo{
	{
		ID:                    "gpt-4-turbo",
		Name:                  "GPT-4 Turbo",
		Tier:                  llm.ModelTierStrategic,
		MaxTokens:             128000,
		MaxOutputTokens:       4096,
		InputPricePerMillion:  10.00,
		OutputPricePerMillion: 30.00,
		SupportsTools:         true,
		SupportsVision:        true,
		Description:           "Most capable GPT-4 model for complex tasks.",
	},
	{
		ID:                    "gpt-4o",
		Name:                  "GPT-4o",
		Tier:                  llm.ModelTierBalanced,
		MaxTokens:             128000,
		MaxOutputTokens:       16384,
		InputPricePerMillion:  2.50,
		OutputPricePerMillion: 10.00,
		SupportsTools:         true,
		SupportsVision:        true,
		Description:           "Balanced multimodal model for most tasks.",
	},
	{
		ID:                    "gpt-4o-mini",
		Name:                  "GPT-4o Mini",
		Tier:                  llm.ModelTierFast,
		MaxTokens:             128000,
		MaxOutputTokens:       16384,
		InputPricePerMillion:  0.15,
		OutputPricePerMillion: 0.60,
		SupportsTools:         true,
		SupportsVision:        true,
		Description:           "Fast and cost-effective for simple tasks.",
	},
}

// openAIChatRequest is the request body for POST /chat/completions.
type openAIChatRequest struct {
	Model         string                `json:"model"`
	Messages      []openAIMessage       `json:"messages"`
	Tools         []openAITool          `json:"tools,omitempty"`
	Temperature   *float64              `json:"temperature,omitempty"`
	MaxTokens     *int                  `json:"max_tokens,omitempty"`
	Stop          []string              `json:"stop,omitempty"`
	Stream        bool                  `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions  `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall  `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIChatResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openAIChoice     `json:"choices"`
	Usage   openAIUsage        `json:"usage"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      openAIMessage  `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens        int                     `json:"prompt_tokens"`
	CompletionTokens    int                     `json:"completion_tokens"`
	TotalTokens         int                     `json:"total_tokens"`
	PromptTokensDetails *openAIPromptTokenDetail `json:"prompt_tokens_details,omitempty"`
}

type openAIPromptTokenDetail struct {
	CachedTokens int `json:"cached_tokens"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// openAIStreamChunk is one SSE "data:" payload from a streaming response.
type openAIStreamChunk struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []openAIStreamChoice   `json:"choices"`
	Usage   *openAIUsage           `json:"usage"`
}

type openAIStreamChoice struct {
	Index        int              `json:"index"`
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string           `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content   string                    `json:"content"`
	ToolCalls []openAIStreamToolCallDelta `json:"tool_calls"`
}

type openAIStreamToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Function openAIFunctionCall `json:"function"`
}
