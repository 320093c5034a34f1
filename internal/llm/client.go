package llm

import "context"

// Client is the generate capability the turn loop depends on. Provider
// packages implement it; tests substitute scripted fakes.
type Client interface {
	ChatWithTools(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ValidateKey(ctx context.Context) error
}
