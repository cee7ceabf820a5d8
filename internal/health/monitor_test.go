package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// soloModel disables every seeded model except local/qwen3-8b and points it
// at the given endpoint.
func soloModel(t *testing.T, s *store.SQLiteStore, endpoint string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, `UPDATE models SET enabled = 0 WHERE id != 'local/qwen3-8b'`); err != nil {
		t.Fatalf("disable fleet: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE models SET endpoint = ? WHERE id = 'local/qwen3-8b'`, endpoint); err != nil {
		t.Fatalf("point endpoint: %v", err)
	}
}

func TestRunOnceSuccessResetsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected probe path %s", r.URL.Path)
		}
	}))
	defer srv.Close()
	soloModel(t, s, srv.URL)

	// Simulate a model that already failed twice and got flipped.
	if err := s.AppendHealthEntry(ctx, store.HealthEntry{
		ModelID: "local/qwen3-8b", CheckedAt: time.Now(), Healthy: false,
		Error: "probe failed", ConsecutiveFailures: 2,
	}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	if err := s.SetModelHealthy(ctx, "local/qwen3-8b", false); err != nil {
		t.Fatalf("flip: %v", err)
	}

	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	m := NewMonitor(s, time.Minute, bus, nil)
	m.RunOnce(ctx)

	model, err := s.GetModel(ctx, "local/qwen3-8b")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if !model.Healthy {
		t.Error("successful probe should restore the healthy flag")
	}
	if model.LastHealthCheck == nil {
		t.Error("expected last_health_check to be touched")
	}

	last, err := s.LatestHealthEntry(ctx, "local/qwen3-8b")
	if err != nil {
		t.Fatalf("latest entry: %v", err)
	}
	if !last.Healthy || last.ConsecutiveFailures != 0 {
		t.Errorf("success row should reset the counter, got %+v", last)
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventHealthChange || !e.Healthy {
			t.Errorf("expected a recovery event, got %+v", e)
		}
	default:
		t.Error("expected a recovery event on the bus")
	}
}

func TestRunOnceFailureCountsToThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // probes now get connection refused
	soloModel(t, s, srv.URL)

	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	m := NewMonitor(s, time.Minute, bus, nil)

	for i := 1; i <= 2; i++ {
		m.RunOnce(ctx)
		last, err := s.LatestHealthEntry(ctx, "local/qwen3-8b")
		if err != nil {
			t.Fatalf("latest entry: %v", err)
		}
		if last.ConsecutiveFailures != i {
			t.Errorf("run %d: expected counter %d, got %d", i, i, last.ConsecutiveFailures)
		}
		model, _ := s.GetModel(ctx, "local/qwen3-8b")
		if !model.Healthy {
			t.Fatalf("model flipped after %d failures, threshold is 3", i)
		}
	}

	m.RunOnce(ctx)
	model, _ := s.GetModel(ctx, "local/qwen3-8b")
	if model.Healthy {
		t.Error("model should be unhealthy after three consecutive failures")
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventHealthChange || e.Healthy {
			t.Errorf("expected an unhealthy event, got %+v", e)
		}
		if e.ConsecutiveFailures != 3 {
			t.Errorf("expected 3 consecutive failures on the event, got %d", e.ConsecutiveFailures)
		}
	default:
		t.Error("expected an unhealthy event on the bus")
	}

	// A fourth failure keeps counting but does not re-announce.
	m.RunOnce(ctx)
	last, _ := s.LatestHealthEntry(ctx, "local/qwen3-8b")
	if last.ConsecutiveFailures != 4 {
		t.Errorf("expected counter 4, got %d", last.ConsecutiveFailures)
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected second event %+v", e)
	default:
	}
}

func TestRunOnceErrorStatusCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The backend answers, but with a server error. That is not a live
	// model and must not reset the failure counter.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()
	soloModel(t, s, srv.URL)

	if err := s.AppendHealthEntry(ctx, store.HealthEntry{
		ModelID: "local/qwen3-8b", CheckedAt: time.Now(), Healthy: false,
		Error: "status 500", ConsecutiveFailures: 3,
	}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	if err := s.SetModelHealthy(ctx, "local/qwen3-8b", false); err != nil {
		t.Fatalf("flip: %v", err)
	}

	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	m := NewMonitor(s, time.Minute, bus, nil)
	m.RunOnce(ctx)

	model, err := s.GetModel(ctx, "local/qwen3-8b")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if model.Healthy {
		t.Error("a 500-serving endpoint must not restore the healthy flag")
	}
	last, err := s.LatestHealthEntry(ctx, "local/qwen3-8b")
	if err != nil {
		t.Fatalf("latest entry: %v", err)
	}
	if last.Healthy || last.ConsecutiveFailures != 4 {
		t.Errorf("expected failure row with counter 4, got %+v", last)
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected recovery event %+v", e)
	default:
	}
}

func TestRunOnceAuthGatedEndpointCountsAsSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing api key", http.StatusUnauthorized)
	}))
	defer srv.Close()
	soloModel(t, s, srv.URL)

	m := NewMonitor(s, time.Minute, nil, nil)
	m.RunOnce(ctx)

	last, err := s.LatestHealthEntry(ctx, "local/qwen3-8b")
	if err != nil {
		t.Fatalf("latest entry: %v", err)
	}
	if !last.Healthy || last.ConsecutiveFailures != 0 {
		t.Errorf("a 401 proves a live backend, got %+v", last)
	}
}

func TestRunOnceSkipsWhileTickInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var probes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes++
	}))
	defer srv.Close()
	soloModel(t, s, srv.URL)

	m := NewMonitor(s, time.Minute, nil, nil)
	m.ticking.Store(true)
	m.RunOnce(ctx)
	if probes != 0 {
		t.Errorf("overlapping tick should be skipped, saw %d probes", probes)
	}
	m.ticking.Store(false)
	m.RunOnce(ctx)
	if probes != 1 {
		t.Errorf("expected exactly one probe, saw %d", probes)
	}
}

func TestPruneRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour)
	if err := s.AppendHealthEntry(ctx, store.HealthEntry{
		ModelID: "local/qwen3-8b", CheckedAt: old, Healthy: true, ConsecutiveFailures: 0,
	}); err != nil {
		t.Fatalf("seed old entry: %v", err)
	}
	if err := s.AppendHealthEntry(ctx, store.HealthEntry{
		ModelID: "local/qwen3-8b", CheckedAt: time.Now(), Healthy: false,
		Error: "recent", ConsecutiveFailures: 1,
	}); err != nil {
		t.Fatalf("seed recent entry: %v", err)
	}

	m := NewMonitor(s, time.Minute, nil, nil)
	m.prune(ctx)

	var count int
	if err := s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM health_log WHERE model_id = 'local/qwen3-8b'`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the 8-day-old row pruned, %d rows remain", count)
	}
	if _, err := s.LatestHealthEntry(ctx, "local/qwen3-8b"); errors.Is(err, store.ErrNotFound) {
		t.Error("recent row should survive retention")
	}
}
