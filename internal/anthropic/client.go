// Package anthropic implements the llm.Client interface on top of the
// Anthropic Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"matchbook/engine/internal/egress"
	"matchbook/engine/internal/llm"
)

const apiHost = "api.anthropic.com"

// defaultMaxTokens bounds a completion when the request does not set one.
const defaultMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK the engine uses.
// Satisfied by *sdk.MessageService; tests substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client adapts the Anthropic Messages API to the engine's llm.Client
// interface.
type Client struct {
	msgs  MessagesClient
	model string
}

// Option configures a Client.
type Option func(*Client)

// WithMessagesClient substitutes the underlying messages client, for tests.
func WithMessagesClient(msgs MessagesClient) Option {
	return func(c *Client) { c.msgs = msgs }
}

// New builds an Anthropic-backed client. Outbound requests are restricted
// to the Anthropic API host over HTTPS.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}
	c := &Client{model: model}
	for _, opt := range opts {
		opt(c)
	}
	if c.msgs == nil {
		if apiKey == "" {
			return nil, errors.New("api key is required")
		}
		hc := &http.Client{
			Transport: egress.NewAllowlistRoundTripper(nil, []string{apiHost}),
			Timeout:   120 * time.Second,
		}
		ac := sdk.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(hc))
		c.msgs = &ac.Messages
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
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	messages, err := encodeHistory(req.History)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Model:     sdk.Model(model),
	}
	if req.Instructions != "" {
		params.System = []sdk.TextBlockParam{{Text: req.Instructions}}
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	return translateResponse(msg)
}

// ValidateKey issues a minimal message to verify the configured key.
func (c *Client) ValidateKey(ctx context.Context) error {
	_, err := c.msgs.New(ctx, sdk.MessageNewParams{
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
		Model:     sdk.Model(c.model),
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// encodeHistory converts the generic history into Anthropic message params.
// Consecutive tool-result messages are folded into a single user message,
// as the API requires tool results to directly follow the tool_use turn.
func encodeHistory(history []llm.ChatMessage) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	var pendingResults []sdk.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}
	for _, m := range history {
		switch m.Role {
		case "tool":
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case "assistant":
			flushResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input any
				if call.Function.Arguments != "" {
					input = json.RawMessage(call.Function.Arguments)
				} else {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case "user":
			flushResults()
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushResults()
	return out, nil
}

func encodeTools(defs []llm.Tool) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.Function.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Function.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Function.Name)
		if u.OfTool != nil && def.Function.Description != "" {
			u.OfTool.Description = sdk.String(def.Function.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func translateResponse(msg *sdk.Message) (*llm.ChatResponse, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	out := &llm.ChatResponse{FinishReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Content != "" && block.Text != "" {
				out.Content += "\n"
			}
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	return out, nil
}

func mapError(err error) error {
	if errors.Is(err, llm.ErrEgressBlocked) {
		return llm.ErrEgressBlocked
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", llm.ErrUnauthorized, apiErr.Error())
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", llm.ErrRateLimited, apiErr.Error())
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s", llm.ErrUnavailable, apiErr.Error())
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}
