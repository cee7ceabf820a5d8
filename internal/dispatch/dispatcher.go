// Package dispatch walks the ranked candidate list, calling the backend
// adapter for each until one yields a stream. Failures feed back into the
// persisted rate-limit and health state so later requests route around them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/routing"
	"github.com/bonjohen/smartclaw/internal/store"
)

// ErrExhausted is returned when every candidate failed.
var ErrExhausted = errors.New("dispatch: all candidates failed")

// rateLimitBackoff is how long a provider stays excluded after a 429.
const rateLimitBackoff = 60 * time.Second

// unhealthyThreshold matches the health monitor's consecutive-failure cutoff.
const unhealthyThreshold = 3

// Dispatcher routes a normalized request to the first working candidate.
// Adapters are registered per wire format; models with an unknown format use
// the OpenAI-shaped adapter.
type Dispatcher struct {
	store    store.Store
	adapters map[string]providers.Adapter
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. The adapters map is keyed by the model
// record's format tag; it must include store.FormatOpenAI, the default.
func NewDispatcher(s store.Store, adapters map[string]providers.Adapter, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		adapters: adapters,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Dispatcher) adapter(format string) providers.Adapter {
	if a, ok := d.adapters[format]; ok {
		return a
	}
	return d.adapters[store.FormatOpenAI]
}

// Dispatch tries candidates strictly in rank order. The returned response
// carries the model that actually served the request, which may not be the
// first candidate. No candidate is retried; recovery is moving down the list.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []routing.Candidate, req *providers.ChatRequest) (*providers.StreamResponse, error) {
	if len(candidates) == 0 {
		return nil, ErrExhausted
	}
	for _, c := range candidates {
		m := c.Model
		resp, err := d.adapter(m.Format).Send(ctx, m, req)
		if err == nil {
			if touchErr := d.store.TouchModelLastUsed(ctx, m.ID, d.now()); touchErr != nil {
				d.logger.Error("failed to record model last use",
					slog.String("model", m.ID), slog.String("error", touchErr.Error()))
			}
			return resp, nil
		}
		d.logger.Warn("candidate failed, trying next",
			slog.String("model", m.ID),
			slog.Int("rank", c.Rank),
			slog.String("error", err.Error()),
		)
		d.recordFailure(ctx, m, err)
	}
	return nil, ErrExhausted
}

// recordFailure classifies one candidate failure and applies the matching
// state update. Update errors are logged, never propagated; the next
// candidate is tried regardless.
func (d *Dispatcher) recordFailure(ctx context.Context, m *store.ModelRecord, sendErr error) {
	switch {
	case isRateLimit(sendErr):
		now := d.now()
		if err := d.store.MarkProviderLimited(ctx, m.Provider, now, now.Add(rateLimitBackoff)); err != nil {
			d.logger.Error("failed to mark provider limited",
				slog.String("provider", m.Provider), slog.String("error", err.Error()))
			return
		}
		d.publish(events.Event{
			Type:     events.EventRateLimited,
			ModelID:  m.ID,
			Provider: m.Provider,
			ErrorMsg: sendErr.Error(),
		})
	case isServerError(sendErr):
		d.appendFailureRow(ctx, m, sendErr)
	case isConnectivityError(sendErr):
		if err := d.store.SetModelHealthy(ctx, m.ID, false); err != nil {
			d.logger.Error("failed to flip model unhealthy",
				slog.String("model", m.ID), slog.String("error", err.Error()))
			return
		}
		d.publish(events.Event{
			Type:     events.EventHealthChange,
			ModelID:  m.ID,
			Provider: m.Provider,
			Healthy:  false,
			ErrorMsg: sendErr.Error(),
		})
	}
}

// appendFailureRow records a 5xx as one more consecutive failure, flipping
// the model unhealthy at the shared threshold.
func (d *Dispatcher) appendFailureRow(ctx context.Context, m *store.ModelRecord, sendErr error) {
	failures := 1
	if last, err := d.store.LatestHealthEntry(ctx, m.ID); err == nil && last != nil {
		failures = last.ConsecutiveFailures + 1
	}
	entry := store.HealthEntry{
		ModelID:             m.ID,
		CheckedAt:           d.now(),
		Healthy:             false,
		Error:               sendErr.Error(),
		ConsecutiveFailures: failures,
	}
	if err := d.store.AppendHealthEntry(ctx, entry); err != nil {
		d.logger.Error("failed to append health row",
			slog.String("model", m.ID), slog.String("error", err.Error()))
		return
	}
	if failures >= unhealthyThreshold {
		if err := d.store.SetModelHealthy(ctx, m.ID, false); err != nil {
			d.logger.Error("failed to flip model unhealthy",
				slog.String("model", m.ID), slog.String("error", err.Error()))
			return
		}
		d.publish(events.Event{
			Type:                events.EventHealthChange,
			ModelID:             m.ID,
			Provider:            m.Provider,
			Healthy:             false,
			ConsecutiveFailures: failures,
			ErrorMsg:            sendErr.Error(),
		})
	}
}

func (d *Dispatcher) publish(e events.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

func statusCode(err error) (int, bool) {
	var se *providers.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

func isRateLimit(err error) bool {
	if code, ok := statusCode(err); ok && code == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

func isServerError(err error) bool {
	code, ok := statusCode(err)
	return ok && code >= 500 && code < 600
}

func isConnectivityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "connection refused", "connection reset", "econnrefused", "econnreset", "etimedout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Describe summarizes the candidate list for logs.
func Describe(candidates []routing.Candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = fmt.Sprintf("%d:%s", c.Rank, c.Model.ID)
	}
	return strings.Join(ids, ",")
}
