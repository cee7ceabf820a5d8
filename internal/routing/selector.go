package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bonjohen/smartclaw/internal/budget"
	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/store"
)

// Selector filters and ranks the model fleet against selection criteria.
type Selector struct {
	store  store.Store
	ledger *budget.Ledger
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewSelector creates a selector. The bus may be nil.
func NewSelector(s store.Store, ledger *budget.Ledger, bus *events.Bus, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: s, ledger: ledger, bus: bus, logger: logger, now: time.Now}
}

// Select returns the ranked candidate list for the criteria, empty when no
// model survives filtering. The budget gate is evaluated once per call and
// expired provider limits are cleared before the candidate query.
func (s *Selector) Select(ctx context.Context, policy *store.PolicyRecord, crit Criteria) ([]Candidate, error) {
	if err := s.store.ClearExpiredLimits(ctx, s.now()); err != nil {
		return nil, fmt.Errorf("clear expired limits: %w", err)
	}
	exceeded, err := s.ledger.IsExceeded(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("budget gate: %w", err)
	}
	if exceeded {
		s.logger.Warn("budget exceeded, cloud models excluded")
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:   events.EventBudgetGate,
				Reason: "budget exceeded, cloud models excluded",
			})
		}
	}

	models, err := s.store.ListEnabledHealthyModels(ctx, crit.Capability)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	limited, err := s.store.ListLimitedProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list limited providers: %w", err)
	}
	limitedSet := make(map[string]bool, len(limited))
	for _, p := range limited {
		limitedSet[p] = true
	}

	var pool []store.ModelRecord
	for _, m := range models {
		if limitedSet[m.Provider] {
			continue
		}
		// A zero window is unknown, not too small.
		if m.ContextWindow > 0 && m.ContextWindow < crit.EstimatedTokens {
			continue
		}
		if crit.Sensitive && m.Location == store.LocationCloud {
			continue
		}
		if exceeded && m.Location == store.LocationCloud {
			continue
		}
		pool = append(pool, m)
	}

	final := applyQualityTolerance(pool, crit.QualityFloor, policy.QualityTolerance)
	if len(final) == 0 {
		return nil, nil
	}

	locIndex := locationIndex(policy.PreferredLocations)
	sort.SliceStable(final, func(i, j int) bool {
		a, b := final[i], final[j]
		ai, bi := locIndex(a.Location), locIndex(b.Location)
		if ai != bi {
			return ai < bi
		}
		ac, bc := a.PriceInPerM+a.PriceOutPerM, b.PriceInPerM+b.PriceOutPerM
		if ac != bc {
			return ac < bc
		}
		return a.QualityScore > b.QualityScore
	})

	candidates := make([]Candidate, len(final))
	for i := range final {
		m := final[i]
		candidates[i] = Candidate{Model: &m, Rank: i + 1}
	}
	return candidates, nil
}

// applyQualityTolerance keeps the strict set when non-empty; otherwise the
// soft set, where only zero-output-price models may dip below the floor by
// up to the tolerance.
func applyQualityTolerance(pool []store.ModelRecord, floor, tolerance int) []store.ModelRecord {
	var strict []store.ModelRecord
	for _, m := range pool {
		if m.QualityScore >= floor {
			strict = append(strict, m)
		}
	}
	if len(strict) > 0 {
		return strict
	}
	var soft []store.ModelRecord
	for _, m := range pool {
		if m.PriceOutPerM == 0 && m.QualityScore >= floor-tolerance {
			soft = append(soft, m)
		}
	}
	return soft
}

// locationIndex returns a lookup from location to its index in the policy's
// comma-separated preference order. Unlisted locations sort last.
func locationIndex(preferred string) func(string) int {
	order := map[string]int{}
	for i, loc := range strings.Split(preferred, ",") {
		order[strings.TrimSpace(loc)] = i
	}
	return func(loc string) int {
		if i, ok := order[loc]; ok {
			return i
		}
		return len(order)
	}
}
