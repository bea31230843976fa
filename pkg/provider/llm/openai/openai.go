// Package openai provides a reasoning provider backed by the OpenAI chat
// completions API.
//
// The adapter answers each turn with one blocking completion. Failures the
// fallback chain should route around are reported as [ErrRateLimited],
// [ErrUnavailable] or [ErrTruncated]; a refusal by the model is not an error
// and comes back as the reply text.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

var (
	// ErrRateLimited is returned when the API answers 429.
	ErrRateLimited = errors.New("openai: rate limited")

	// ErrUnavailable is returned for 5xx answers.
	ErrUnavailable = errors.New("openai: service unavailable")

	// ErrTruncated is returned when the completion hit the token limit while
	// the model was still writing tool-call arguments.
	ErrTruncated = errors.New("openai: completion truncated")
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	parallel *bool
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	parallel     *bool
}

// Option configures a Provider.
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout bounds each HTTP request, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries 429 and 5xx answers before
// giving up. The default is zero so the fallback chain decides instead.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithParallelToolCalls allows or forbids several tool calls in one
// assistant message. Unset leaves the API default.
func WithParallelToolCalls(enabled bool) Option {
	return func(c *config) { c.parallel = &enabled }
}

// New constructs a reasoning provider for model.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxRetries < 0 {
		return nil, fmt.Errorf("openai: max retries must not be negative, got %d", cfg.maxRetries)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		parallel: cfg.parallel,
	}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}
	return toResponse(resp.Choices[0], resp.Usage)
}

// toResponse maps one choice onto the provider-neutral response.
func toResponse(choice oai.ChatCompletionChoice, usage oai.CompletionUsage) (*llm.CompletionResponse, error) {
	msg := choice.Message
	if choice.FinishReason == "length" && len(msg.ToolCalls) > 0 {
		return nil, fmt.Errorf("%w: %d tool call(s) cut off", ErrTruncated, len(msg.ToolCalls))
	}

	out := &llm.CompletionResponse{
		Content: msg.Content,
		Usage: llm.Usage{
			PromptTokens:     int(usage.PromptTokens),
			CompletionTokens: int(usage.CompletionTokens),
			TotalTokens:      int(usage.TotalTokens),
		},
	}
	if out.Content == "" && msg.Refusal != "" {
		out.Content = msg.Refusal
	}
	for _, tc := range msg.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// classifyError wraps API errors with the sentinel matching their status.
func classifyError(err error) error {
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai: chat completion: %w", err)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, apiErr.StatusCode, apiErr.Message)
	default:
		return fmt.Errorf("openai: chat completion: status %d: %w", apiErr.StatusCode, err)
	}
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities knows the OpenAI families a trip assistant is likely to
// run on. Unknown models get conservative defaults.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		SupportsToolCalling: true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-5"):
		caps.ContextWindow = 400_000
		caps.MaxOutputTokens = 128_000
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	}
	return caps
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("message %d: %w", i, err)
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	for _, td := range req.Tools {
		fn := shared.FunctionDefinitionParam{
			Name:       td.Name,
			Parameters: shared.FunctionParameters(td.Parameters),
		}
		if td.Description != "" {
			fn.Description = param.NewOpt(td.Description)
		}
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{Function: fn})
	}
	// parallel_tool_calls is rejected by the API when no tools are offered.
	if p.parallel != nil && len(params.Tools) > 0 {
		params.ParallelToolCalls = param.NewOpt(*p.parallel)
	}
	return params, nil
}

// convertMessage converts a conversation entry to an OpenAI message param.
// Tool results must name the call they answer.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil

	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case llm.RoleTool:
		if m.ToolCallID == "" {
			return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: tool result without tool call id")
		}
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
