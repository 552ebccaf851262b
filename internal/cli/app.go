package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/analyst/internal/config"
	"github.com/malbeclabs/analyst/pkg/backend"
	"github.com/malbeclabs/analyst/pkg/engine"
	"github.com/malbeclabs/analyst/pkg/generator"
	"github.com/malbeclabs/analyst/pkg/guard"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/planner"
	"github.com/malbeclabs/analyst/pkg/policy"
	"github.com/malbeclabs/analyst/pkg/subanalyst"
	"github.com/malbeclabs/analyst/pkg/taskgraph"
	"github.com/malbeclabs/analyst/pkg/turn"
)

const subAnalystRouteHint = "analysis"

// app holds the wired pipeline for one process.
type app struct {
	log        *slog.Logger
	model      *policy.Model
	backend    backend.Conn
	planner    *planner.Planner
	engine     *engine.Engine
	history    *turn.MemoryHistory
	controller *turn.Controller
}

func loadPolicy(path string) (*policy.Model, error) {
	if path == "" {
		return policy.Default()
	}
	return policy.Load(path)
}

func newPlanner(log *slog.Logger, cfg *config.Config, model *policy.Model, client pipeline.LLMClient) (*planner.Planner, error) {
	p, err := planner.New(planner.Config{
		Logger:      log,
		LLM:         client,
		Model:       model,
		DomainName:  cfg.DomainName,
		Temperature: &cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}
	return p, nil
}

func newApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*app, error) {
	model, err := loadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy model: %w", err)
	}
	domain := cfg.DomainName
	if domain == "" {
		domain = model.Domain
	}

	client, err := llm.NewAnthropic(cfg.AnthropicConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	p, err := newPlanner(log, cfg, model, client)
	if err != nil {
		return nil, err
	}

	var links []generator.Link
	if sub := cfg.SubAnalystConfig(log); sub != nil {
		subClient, err := subanalyst.NewHTTPClient(*sub)
		if err != nil {
			return nil, fmt.Errorf("failed to create sub-analyst client: %w", err)
		}
		link, err := generator.NewSubAnalystLink(subClient, subAnalystRouteHint)
		if err != nil {
			return nil, fmt.Errorf("failed to create sub-analyst link: %w", err)
		}
		links = append(links, link)
	}
	llmLink, err := generator.NewLLMLink(generator.LLMConfig{
		Logger:      log,
		LLM:         client,
		Model:       model,
		Dialect:     cfg.Dialect(),
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm link: %w", err)
	}
	links = append(links, llmLink)

	chain, err := generator.NewChain(generator.ChainConfig{
		Logger: log,
		Model:  model,
		Links:  links,
		Guard:  guard.Options{Sandbox: cfg.Sandbox()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	conn, err := backend.Open(ctx, cfg.BackendConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}

	eng, err := engine.New(engine.Config{
		Logger:                log,
		Generator:             chain,
		Backend:               conn,
		Target:                taskgraph.DispatchTarget(len(links) > 1, cfg.Mode),
		DomainName:            domain,
		MaxAttempts:           cfg.MaxAttempts,
		GenerationConcurrency: cfg.GenerationConcurrency,
		ExecutionConcurrency:  cfg.ExecutionConcurrency,
		CallTimeout:           cfg.CallTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	history, err := turn.NewMemoryHistory(turn.MemoryHistoryConfig{TTL: cfg.HistoryTTL})
	if err != nil {
		eng.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create history: %w", err)
	}

	controller, err := turn.New(turn.Config{
		Logger:      log,
		Planner:     p,
		Engine:      eng,
		History:     history,
		DomainName:  domain,
		MaxRowLimit: model.Policy.MaxRowLimit,
	})
	if err != nil {
		history.Close()
		eng.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create turn controller: %w", err)
	}

	log.Debug("cli: pipeline wired", "mode", cfg.Mode, "backend", cfg.Backend, "links", len(links), "domain", domain)

	return &app{
		log:        log,
		model:      model,
		backend:    conn,
		planner:    p,
		engine:     eng,
		history:    history,
		controller: controller,
	}, nil
}

func (a *app) Close() {
	a.history.Close()
	a.engine.Close()
	if err := a.backend.Close(); err != nil {
		a.log.Error("cli: failed to close backend", "error", err)
	}
}
