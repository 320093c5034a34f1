// Package openai implements the llm.Client interface on top of the OpenAI
// Chat Completions API via github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"matchbook/engine/internal/egress"
	"matchbook/engine/internal/llm"
)

const apiHost = "api.openai.com"

// ChatClient captures the subset of the go-openai client the engine uses.
// Satisfied by *openai.Client; tests substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client adapts the OpenAI chat API to the engine's llm.Client interface.
type Client struct {
	chat  ChatClient
	model string
}

// Option configures a Client.
type Option func(*Client)

// WithChatClient substitutes the underlying chat client, for tests.
func WithChatClient(chat ChatClient) Option {
	return func(c *Client) { c.chat = chat }
}

// New builds an OpenAI-backed client. Outbound requests are restricted to
// the OpenAI API host over HTTPS.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}
	c := &Client{model: model}
	for _, opt := range opts {
		opt(c)
	}
	if c.chat == nil {
		if apiKey == "" {
			return nil, errors.New("api key is required")
		}
		cfg := openai.DefaultConfig(apiKey)
		cfg.HTTPClient = &http.Client{
			Transport: egress.NewAllowlistRoundTripper(nil, []string{apiHost}),
			Timeout:   120 * time.Second,
		}
		c.chat = openai.NewClientWithConfig(cfg)
	}
	return c, nil
}

// ChatWithTools sends one generation request and returns the model's text
// and requested tool calls.
func (c *Client) ChatWithTools(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	for _, m := range req.History {
		messages = append(messages, encodeMessage(m))
	}
	request := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       encodeTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &llm.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:   call.ID,
			Type: string(call.Type),
			Function: llm.ToolCallFunction{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out, nil
}

// ValidateKey issues a minimal completion to verify the configured key.
func (c *Client) ValidateKey(ctx context.Context) error {
	_, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func encodeMessage(m llm.ChatMessage) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, call := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}

func encodeTools(defs []llm.Tool) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Function.Name,
				Description: def.Function.Description,
				Parameters:  def.Function.Parameters,
			},
		})
	}
	return tools
}

func mapError(err error) error {
	if errors.Is(err, llm.ErrEgressBlocked) {
		return llm.ErrEgressBlocked
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", llm.ErrUnauthorized, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", llm.ErrRateLimited, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", llm.ErrUnavailable, apiErr.Message)
		}
	}
	return fmt.Errorf("openai: %w", err)
}
