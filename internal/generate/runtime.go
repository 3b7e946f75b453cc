package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/memory"
)

// Generator produces one persona reply from an assembled context.
type Generator interface {
	Reply(ctx context.Context, gc *memory.GenerationContext, sessionID string) (string, error)
	Close()
}

// Runtime interface for the agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg *config.Config) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ModelFactory: provider,
		SystemPrompt: basePrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// basePrompt carries the rules that hold for every persona. The persona's own
// voice and the memory tiers arrive in each request prompt.
const basePrompt = `You are texting as the persona described in each message.
Stay fully in character. Reply like a real person over SMS: short, warm,
specific. Use what you know about them naturally, never recite it. Never
mention being an AI, a system, or having "memory".`

// AgentGenerator sends rendered contexts through an agentsdk-go runtime.
type AgentGenerator struct {
	runtime Runtime
	model   string
}

// New builds a generator from config using the given factory (nil means
// DefaultRuntimeFactory).
func New(cfg *config.Config, factory RuntimeFactory) (*AgentGenerator, error) {
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	rt, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return &AgentGenerator{runtime: rt, model: cfg.Agent.Model}, nil
}

// Model reports the configured model name, recorded alongside stored turns.
func (g *AgentGenerator) Model() string {
	return g.model
}

func (g *AgentGenerator) Reply(ctx context.Context, gc *memory.GenerationContext, sessionID string) (string, error) {
	resp, err := g.runtime.Run(ctx, api.Request{
		Prompt:    RenderPrompt(gc),
		SessionID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("run agent: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", fmt.Errorf("run agent: empty response")
	}
	out := strings.TrimSpace(resp.Result.Output)
	if out == "" {
		return "", fmt.Errorf("run agent: blank output")
	}
	return out, nil
}

func (g *AgentGenerator) Close() {
	if g.runtime != nil {
		g.runtime.Close()
	}
}
