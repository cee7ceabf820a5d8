// Package budget maintains the per-day and per-month spend ledger used as a
// routing gate for cloud models.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bonjohen/smartclaw/internal/store"
)

// Status reports accumulated spend against the configured limits.
type Status struct {
	DailySpend   float64 `json:"daily_spend"`
	DailyLimit   float64 `json:"daily_limit"`
	MonthlySpend float64 `json:"monthly_spend"`
	MonthlyLimit float64 `json:"monthly_limit"`
	Exceeded     bool    `json:"exceeded"`
}

// Ledger accumulates request cost into daily and monthly rows and answers
// the budget gate query. All state lives in the store; the ledger itself is
// stateless and safe for concurrent use.
type Ledger struct {
	store store.Store
	now   func() time.Time // override in tests
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

func (l *Ledger) periodKeys() (daily, monthly string) {
	t := l.now().UTC()
	return t.Format("2006-01-02"), t.Format("2006-01")
}

// RecordRequestCost computes the USD cost of a completed request at the
// serving model's prices and accumulates it into both period rows. Zero-cost
// requests (co-located and LAN models) are a no-op. Ledger write failures
// are non-fatal to the request; the caller logs and continues.
func (l *Ledger) RecordRequestCost(ctx context.Context, m *store.ModelRecord, inputTokens, outputTokens int64) (float64, error) {
	cost := Cost(m, inputTokens, outputTokens)
	if cost <= 0 {
		return 0, nil
	}
	dayKey, monthKey := l.periodKeys()
	if err := l.store.AddSpend(ctx, store.PeriodDaily, dayKey, cost, inputTokens, outputTokens); err != nil {
		return cost, fmt.Errorf("budget: daily upsert: %w", err)
	}
	if err := l.store.AddSpend(ctx, store.PeriodMonthly, monthKey, cost, inputTokens, outputTokens); err != nil {
		return cost, fmt.Errorf("budget: monthly upsert: %w", err)
	}
	slog.Debug("budget: recorded spend",
		slog.String("model", m.ID),
		slog.Float64("cost_usd", cost),
		slog.Int64("input_tokens", inputTokens),
		slog.Int64("output_tokens", outputTokens),
	)
	return cost, nil
}

// Cost computes the USD cost of a request against a model's per-million
// token prices.
func Cost(m *store.ModelRecord, inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*m.PriceInPerM + float64(outputTokens)*m.PriceOutPerM) / 1_000_000
}

// IsExceeded reports whether either period's accumulated spend has reached
// its policy limit. A zero limit means unlimited for that period.
func (l *Ledger) IsExceeded(ctx context.Context, p *store.PolicyRecord) (bool, error) {
	st, err := l.GetStatus(ctx, p)
	if err != nil {
		return false, err
	}
	return st.Exceeded, nil
}

// GetStatus returns both period spends alongside their limits.
func (l *Ledger) GetStatus(ctx context.Context, p *store.PolicyRecord) (*Status, error) {
	dayKey, monthKey := l.periodKeys()
	daily, err := l.store.GetSpend(ctx, store.PeriodDaily, dayKey)
	if err != nil {
		return nil, fmt.Errorf("budget: daily spend: %w", err)
	}
	monthly, err := l.store.GetSpend(ctx, store.PeriodMonthly, monthKey)
	if err != nil {
		return nil, fmt.Errorf("budget: monthly spend: %w", err)
	}
	st := &Status{
		DailySpend:   daily.TotalSpend,
		DailyLimit:   p.DailyBudgetUSD,
		MonthlySpend: monthly.TotalSpend,
		MonthlyLimit: p.MonthlyBudgetUSD,
	}
	st.Exceeded = (p.DailyBudgetUSD > 0 && daily.TotalSpend >= p.DailyBudgetUSD) ||
		(p.MonthlyBudgetUSD > 0 && monthly.TotalSpend >= p.MonthlyBudgetUSD)
	return st, nil
}
