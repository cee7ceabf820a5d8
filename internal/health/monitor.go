// Package health runs the periodic probe loop that keeps each model's
// healthy flag current, and the daily retention job that trims the log
// tables.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/store"
)

const (
	probeTimeout       = 5 * time.Second
	unhealthyThreshold = 3
	retentionInterval  = 24 * time.Hour
	healthRetention    = 7 * 24 * time.Hour
	requestRetention   = 30 * 24 * time.Hour
)

// Monitor probes every enabled model on a fixed interval. Ticks that arrive
// while a previous tick is still probing are skipped, not queued.
type Monitor struct {
	store    store.Store
	client   *http.Client
	interval time.Duration
	bus      *events.Bus
	logger   *slog.Logger

	ticking atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. Intervals under a second are clamped to the
// 60s default.
func NewMonitor(s store.Store, interval time.Duration, bus *events.Bus, logger *slog.Logger) *Monitor {
	if interval < time.Second {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    s,
		client:   &http.Client{Timeout: probeTimeout},
		interval: interval,
		bus:      bus,
		logger:   logger,
	}
}

// Start launches the probe and retention loops. Call Stop to shut them down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.prune(ctx)
			}
		}
	}()
}

// Stop cancels the loops and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RunOnce probes every enabled model concurrently. It is a no-op if a
// previous run is still in flight.
func (m *Monitor) RunOnce(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		m.logger.Warn("health tick skipped, previous tick still running")
		return
	}
	defer m.ticking.Store(false)

	models, err := m.store.ListEnabledModels(ctx)
	if err != nil {
		m.logger.Error("health tick: list models", slog.String("error", err.Error()))
		return
	}

	var wg sync.WaitGroup
	for i := range models {
		model := models[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(ctx, &model)
		}()
	}
	wg.Wait()
}

// probe issues one GET against the model's /models listing and records the
// outcome.
func (m *Monitor) probe(ctx context.Context, model *store.ModelRecord) {
	start := time.Now()
	err := m.ping(ctx, model.Endpoint)
	latency := time.Since(start).Milliseconds()

	if err == nil {
		m.recordSuccess(ctx, model, latency)
		return
	}
	m.recordFailure(ctx, model, err)
}

func (m *Monitor) ping(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	// 401 and 405 still prove a live backend: an auth-gated or
	// POST-only server answered the listing request.
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	}
	return fmt.Errorf("status %d from %s/models", resp.StatusCode, endpoint)
}

func (m *Monitor) recordSuccess(ctx context.Context, model *store.ModelRecord, latencyMs int64) {
	entry := store.HealthEntry{
		ModelID:             model.ID,
		CheckedAt:           time.Now(),
		Healthy:             true,
		LatencyMs:           &latencyMs,
		ConsecutiveFailures: 0,
	}
	if err := m.store.AppendHealthEntry(ctx, entry); err != nil {
		m.logger.Error("health: append row", slog.String("model", model.ID), slog.String("error", err.Error()))
	}
	if err := m.store.SetModelHealthy(ctx, model.ID, true); err != nil {
		m.logger.Error("health: set healthy", slog.String("model", model.ID), slog.String("error", err.Error()))
		return
	}
	if err := m.store.TouchModelHealthCheck(ctx, model.ID, time.Now()); err != nil {
		m.logger.Error("health: touch check", slog.String("model", model.ID), slog.String("error", err.Error()))
	}
	if !model.Healthy {
		m.logger.Info("model recovered", slog.String("model", model.ID), slog.Int64("latency_ms", latencyMs))
		m.publish(events.Event{
			Type:     events.EventHealthChange,
			ModelID:  model.ID,
			Provider: model.Provider,
			Healthy:  true,
		})
	}
}

func (m *Monitor) recordFailure(ctx context.Context, model *store.ModelRecord, probeErr error) {
	failures := 1
	if last, err := m.store.LatestHealthEntry(ctx, model.ID); err == nil && last != nil {
		failures = last.ConsecutiveFailures + 1
	}
	entry := store.HealthEntry{
		ModelID:             model.ID,
		CheckedAt:           time.Now(),
		Healthy:             false,
		Error:               probeErr.Error(),
		ConsecutiveFailures: failures,
	}
	if err := m.store.AppendHealthEntry(ctx, entry); err != nil {
		m.logger.Error("health: append row", slog.String("model", model.ID), slog.String("error", err.Error()))
	}

	if failures >= unhealthyThreshold {
		if err := m.store.SetModelHealthy(ctx, model.ID, false); err != nil {
			m.logger.Error("health: set unhealthy", slog.String("model", model.ID), slog.String("error", err.Error()))
			return
		}
		if model.Healthy {
			m.logger.Warn("model marked unhealthy",
				slog.String("model", model.ID),
				slog.Int("consecutive_failures", failures),
				slog.String("error", probeErr.Error()),
			)
			m.publish(events.Event{
				Type:                events.EventHealthChange,
				ModelID:             model.ID,
				Provider:            model.Provider,
				Healthy:             false,
				ConsecutiveFailures: failures,
				ErrorMsg:            probeErr.Error(),
			})
		}
		return
	}
	if err := m.store.TouchModelHealthCheck(ctx, model.ID, time.Now()); err != nil {
		m.logger.Error("health: touch check", slog.String("model", model.ID), slog.String("error", err.Error()))
	}
}

// prune trims health rows older than 7 days and request rows older than 30.
func (m *Monitor) prune(ctx context.Context) {
	now := time.Now()
	if n, err := m.store.PruneHealthEntries(ctx, now.Add(-healthRetention)); err != nil {
		m.logger.Error("retention: prune health rows", slog.String("error", err.Error()))
	} else if n > 0 {
		m.logger.Info("retention: pruned health rows", slog.Int64("rows", n))
	}
	if n, err := m.store.PruneRequestLogs(ctx, now.Add(-requestRetention)); err != nil {
		m.logger.Error("retention: prune request rows", slog.String("error", err.Error()))
	} else if n > 0 {
		m.logger.Info("retention: pruned request rows", slog.Int64("rows", n))
	}
}

func (m *Monitor) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
