package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-dlp/pkg/config"
	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy"
	"github.com/polisai/polis-dlp/pkg/policy/flow"
)

// reloadableEvaluator is a hop evaluator whose rules can be swapped at runtime.
type reloadableEvaluator interface {
	domain.HopEvaluator
	ReplaceStore(store *flow.Store, loadErr error)
}

// buildEvaluator selects the configured engine over the loaded store. A load
// error is passed through so every hop denies with it.
func buildEvaluator(ctx context.Context, cfg *config.Config, store *flow.Store, loadErr error, logger *slog.Logger) (reloadableEvaluator, error) {
	postures, err := cfg.Policy.PostureSet()
	if err != nil {
		return nil, err
	}
	failClosed := postures.FailClosed(policy.DomainConditions)

	switch cfg.Policy.Engine {
	case config.EngineRego:
		engine, err := policy.NewRegoEngine(ctx, store, loadErr, policy.RegoOptions{
			CacheMaxEntries:      cfg.Policy.RegoCacheSize,
			FailClosedConditions: failClosed,
			Logger:               logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build rego engine: %w", err)
		}
		return engine, nil
	case config.EngineEvaluator, "":
		return flow.NewEvaluator(store, loadErr,
			flow.WithFailClosedConditions(failClosed),
			flow.WithEvaluatorLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown policy engine %q", cfg.Policy.Engine)
	}
}

// loadEvaluator reads the flows file once and builds the evaluator over it.
func loadEvaluator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reloadableEvaluator, error) {
	provider, err := config.NewPolicyProvider(cfg.Policy.FlowsFile, config.WithProviderLogger(logger))
	if err != nil {
		return nil, err
	}
	store, loadErr := provider.Current()
	return buildEvaluator(ctx, cfg, store, loadErr, logger)
}
