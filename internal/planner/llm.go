package planner

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Completer is a single-prompt text completion endpoint.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// LLM is a Completer backed by a langchaingo model.
type LLM struct {
	Model   llms.Model
	Options []llms.CallOption
}

func (l *LLM) Complete(ctx context.Context, prompt string) (string, error) {
	opts := append([]llms.CallOption{llms.WithTemperature(0), llms.WithJSONMode()}, l.Options...)
	out, err := llms.GenerateFromSinglePrompt(ctx, l.Model, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	return out, nil
}

// OpenAIConfig selects an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	Model   string
	Token   string
	BaseURL string
}

// NewOpenAI creates an LLM for any OpenAI-compatible endpoint.
func NewOpenAI(cfg OpenAIConfig) (*LLM, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &LLM{Model: model}, nil
}
