package routing

import (
	"context"
	"testing"
	"time"

	"github.com/bonjohen/smartclaw/internal/budget"
	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/store"
)

func newTestSelector(t *testing.T) (*Selector, *store.SQLiteStore, *store.PolicyRecord) {
	t.Helper()
	s := newTestStore(t)
	policy, err := s.LoadPolicy(context.Background())
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return NewSelector(s, budget.NewLedger(s), nil, nil), s, policy
}

func ids(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Model.ID
	}
	return out
}

func TestSelectDefaultOrdering(t *testing.T) {
	sel, _, policy := newTestSelector(t)

	cands, err := sel.Select(context.Background(), policy, Criteria{QualityFloor: 40, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	// Location preference (colocated, lan, cloud), then cost ascending,
	// then quality descending. The 1.7b router model misses the floor.
	want := []string{
		"local/qwen3-8b",
		"lan/glm-4.5-air",
		"lan/qwen3-coder-30b",
		"openai/gpt-4o-mini",
		"anthropic/claude-sonnet-4",
	}
	got := ids(cands)
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
		if cands[i].Rank != i+1 {
			t.Errorf("rank at %d: expected %d, got %d", i, i+1, cands[i].Rank)
		}
	}
}

func TestSelectCapabilityFilter(t *testing.T) {
	sel, _, policy := newTestSelector(t)

	cands, err := sel.Select(context.Background(), policy, Criteria{QualityFloor: 65, Capability: "coding", EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	got := ids(cands)
	want := []string{"lan/qwen3-coder-30b", "anthropic/claude-sonnet-4"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSelectSensitiveExcludesCloud(t *testing.T) {
	sel, _, policy := newTestSelector(t)

	cands, err := sel.Select(context.Background(), policy, Criteria{QualityFloor: 40, Sensitive: true, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for _, c := range cands {
		if c.Model.Location == store.LocationCloud {
			t.Errorf("cloud model %s selected for sensitive request", c.Model.ID)
		}
	}
	if len(cands) == 0 {
		t.Fatal("expected local candidates to remain")
	}
}

func TestSelectBudgetGateExcludesCloud(t *testing.T) {
	sel, s, policy := newTestSelector(t)
	ctx := context.Background()

	// Blow past the 5 USD daily budget.
	today := time.Now().UTC().Format("2006-01-02")
	if err := s.AddSpend(ctx, store.PeriodDaily, today, 6.0, 1000, 1000); err != nil {
		t.Fatalf("add spend: %v", err)
	}

	cands, err := sel.Select(ctx, policy, Criteria{QualityFloor: 40, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for _, c := range cands {
		if c.Model.Location == store.LocationCloud {
			t.Errorf("cloud model %s selected while budget exceeded", c.Model.ID)
		}
	}
}

func TestSelectContextWindowFilter(t *testing.T) {
	sel, _, policy := newTestSelector(t)

	cands, err := sel.Select(context.Background(), policy, Criteria{QualityFloor: 40, EstimatedTokens: 150000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	got := ids(cands)
	if len(got) != 1 || got[0] != "anthropic/claude-sonnet-4" {
		t.Fatalf("only the 200k-context model fits, got %v", got)
	}
}

func TestSelectZeroContextWindowExemptFromFit(t *testing.T) {
	sel, s, policy := newTestSelector(t)
	ctx := context.Background()

	// An unknown window never fails the fit check.
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE models SET context_window = 0 WHERE id = 'local/qwen3-8b'`); err != nil {
		t.Fatalf("zero window: %v", err)
	}

	cands, err := sel.Select(ctx, policy, Criteria{QualityFloor: 40, Sensitive: true, EstimatedTokens: 150000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	found := false
	for _, c := range cands {
		if c.Model.ID == "local/qwen3-8b" {
			found = true
		}
		if c.Model.ContextWindow > 0 && c.Model.ContextWindow < 150000 {
			t.Errorf("model %s with window %d should not fit", c.Model.ID, c.Model.ContextWindow)
		}
	}
	if !found {
		t.Error("zero-window model should survive the fit check")
	}
}

func TestSelectBudgetGatePublishesEvent(t *testing.T) {
	sel, s, policy := newTestSelector(t)
	ctx := context.Background()

	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)
	sel.bus = bus

	if _, err := sel.Select(ctx, policy, Criteria{QualityFloor: 40, EstimatedTokens: 1000}); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected event under budget %+v", e)
	default:
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.AddSpend(ctx, store.PeriodDaily, today, 6.0, 1000, 1000); err != nil {
		t.Fatalf("add spend: %v", err)
	}
	if _, err := sel.Select(ctx, policy, Criteria{QualityFloor: 40, EstimatedTokens: 1000}); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	select {
	case e := <-sub.C:
		if e.Type != events.EventBudgetGate {
			t.Errorf("expected budget_gate event, got %+v", e)
		}
	default:
		t.Error("expected a budget_gate event on the bus")
	}
}

func TestSelectRateLimitedProviderExcluded(t *testing.T) {
	sel, s, policy := newTestSelector(t)
	ctx := context.Background()

	now := time.Now()
	if err := s.MarkProviderLimited(ctx, "anthropic", now, now.Add(60*time.Second)); err != nil {
		t.Fatalf("mark limited: %v", err)
	}

	cands, err := sel.Select(ctx, policy, Criteria{QualityFloor: 40, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for _, c := range cands {
		if c.Model.Provider == "anthropic" {
			t.Errorf("rate-limited provider selected: %s", c.Model.ID)
		}
	}

	// Lazy expiry: once retry_after passes, the provider returns.
	sel.now = func() time.Time { return now.Add(61 * time.Second) }
	cands, err = sel.Select(ctx, policy, Criteria{QualityFloor: 40, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	found := false
	for _, c := range cands {
		if c.Model.Provider == "anthropic" {
			found = true
		}
	}
	if !found {
		t.Error("provider still excluded after retry_after expiry")
	}
}

func TestQualityToleranceSoftSet(t *testing.T) {
	sel, _, policy := newTestSelector(t)

	// Floor 80 with sensitive=true: the only >=80 model is cloud, so the
	// strict set empties; the soft set admits zero-priced models within
	// tolerance 10 of the floor.
	cands, err := sel.Select(context.Background(), policy, Criteria{QualityFloor: 80, Sensitive: true, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	got := ids(cands)
	want := []string{"lan/glm-4.5-air", "lan/qwen3-coder-30b"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected soft set %v, got %v", want, got)
	}
}

func TestQualityToleranceNeverAdmitsPricedModels(t *testing.T) {
	sel, s, policy := newTestSelector(t)
	ctx := context.Background()

	// A priced cloud model inside the tolerance band must not ride the
	// soft set. Disable everything at or above the floor first.
	for _, id := range []string{"anthropic/claude-sonnet-4"} {
		if err := s.SetModelHealthy(ctx, id, false); err != nil {
			t.Fatalf("flip %s: %v", id, err)
		}
	}

	cands, err := sel.Select(ctx, policy, Criteria{QualityFloor: 80, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for _, c := range cands {
		if c.Model.PriceOutPerM > 0 {
			t.Errorf("priced model %s admitted below the floor", c.Model.ID)
		}
		if c.Model.QualityScore < 70 {
			t.Errorf("model %s below floor-tolerance", c.Model.ID)
		}
	}
}

func TestSelectEmptyWhenNothingQualifies(t *testing.T) {
	sel, _, policy := newTestSelector(t)

	cands, err := sel.Select(context.Background(), policy, Criteria{QualityFloor: 99, Sensitive: true, EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected empty result, got %v", ids(cands))
	}
}
