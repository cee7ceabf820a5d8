package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bonjohen/smartclaw/internal/store"
)

// Router sequences the three tiers into a routing decision.
type Router struct {
	store      store.Store
	rules      *RuleMatcher
	classifier *Classifier
	selector   *Selector
	logger     *slog.Logger
}

// NewRouter creates the orchestrator.
func NewRouter(s store.Store, rules *RuleMatcher, classifier *Classifier, selector *Selector, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:      s,
		rules:      rules,
		classifier: classifier,
		selector:   selector,
		logger:     logger,
	}
}

// Route produces a decision for the request, or ErrNoModel when every tier
// comes up empty (or a rule rejects the request).
func (r *Router) Route(ctx context.Context, meta RequestMeta) (*Decision, error) {
	policy, err := r.store.LoadPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	var ruleID *int64
	rule, err := r.rules.Match(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("rule match: %w", err)
	}
	if rule != nil {
		ruleID = &rule.ID
		switch rule.Action {
		case store.ActionRoute, store.ActionRouteSelf:
			if rule.TargetModelID != nil {
				m, err := r.store.GetModel(ctx, *rule.TargetModelID)
				switch {
				case errors.Is(err, store.ErrNotFound):
					r.logger.Warn("rule targets unknown model, falling through",
						slog.Int64("rule_id", rule.ID),
						slog.String("target", *rule.TargetModelID),
					)
				case err != nil:
					return nil, fmt.Errorf("rule target: %w", err)
				case !m.Enabled:
					r.logger.Warn("rule targets disabled model, falling through",
						slog.Int64("rule_id", rule.ID),
						slog.String("target", m.ID),
					)
				default:
					return &Decision{
						Tier:       1,
						RuleID:     ruleID,
						Candidates: []Candidate{{Model: m, Rank: 1}},
					}, nil
				}
			}
		case store.ActionReject:
			return nil, ErrNoModel
		}
		// classify and queue fall through to Tier-2.
	}

	cls := r.classifier.Classify(ctx, meta.Preview())
	crit, err := r.criteria(ctx, meta, cls)
	if err != nil {
		return nil, err
	}
	candidates, err := r.selector.Select(ctx, policy, crit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(candidates) > 0 {
		return &Decision{
			Tier:           2,
			RuleID:         ruleID,
			Classification: &cls,
			Candidates:     candidates,
		}, nil
	}

	fallback, err := r.fallback(ctx, policy)
	if err != nil {
		return nil, err
	}
	if fallback != nil {
		return &Decision{
			Tier:           3,
			RuleID:         ruleID,
			Classification: &cls,
			Candidates:     []Candidate{{Model: fallback, Rank: 1}},
		}, nil
	}
	return nil, ErrNoModel
}

// criteria maps a classification to selector input through the persisted
// lookup tables. Unknown complexity or task type defaults to (40, none); the
// token estimate takes the larger of the request heuristic and the
// classifier's guess.
func (r *Router) criteria(ctx context.Context, meta RequestMeta, cls Classification) (Criteria, error) {
	floor, ok, err := r.store.QualityFloor(ctx, cls.Complexity)
	if err != nil {
		return Criteria{}, fmt.Errorf("quality floor: %w", err)
	}
	if !ok {
		floor = 40
	}
	capability, _, err := r.store.CapabilityForTask(ctx, cls.TaskType)
	if err != nil {
		return Criteria{}, fmt.Errorf("task capability: %w", err)
	}

	tokens := meta.EstimatedTokens
	if cls.EstimatedTokens > tokens {
		tokens = cls.EstimatedTokens
	}
	return Criteria{
		QualityFloor:    floor,
		Capability:      capability,
		Sensitive:       cls.Sensitive,
		EstimatedTokens: tokens,
	}, nil
}

// fallback resolves the policy's last-resort model. The privacy and budget
// gates deliberately do not apply here, but a disabled or unhealthy fallback
// is unusable.
func (r *Router) fallback(ctx context.Context, policy *store.PolicyRecord) (*store.ModelRecord, error) {
	if policy.FallbackModelID == "" {
		return nil, nil
	}
	m, err := r.store.GetModel(ctx, policy.FallbackModelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fallback model: %w", err)
	}
	if !m.Enabled || !m.Healthy {
		return nil, nil
	}
	return m, nil
}
