package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bonjohen/smartclaw/internal/budget"
	"github.com/bonjohen/smartclaw/internal/dispatch"
	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/health"
	"github.com/bonjohen/smartclaw/internal/httpapi"
	"github.com/bonjohen/smartclaw/internal/logging"
	"github.com/bonjohen/smartclaw/internal/metrics"
	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/providers/anthropic"
	"github.com/bonjohen/smartclaw/internal/providers/openai"
	"github.com/bonjohen/smartclaw/internal/ratelimit"
	"github.com/bonjohen/smartclaw/internal/routing"
	"github.com/bonjohen/smartclaw/internal/stats"
	"github.com/bonjohen/smartclaw/internal/store"
	"github.com/bonjohen/smartclaw/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store   store.Store
	monitor *health.Monitor
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: "smartclaw",
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("path", cfg.DBPath))

	m := metrics.New()
	bus := events.NewBus()
	collector := stats.NewCollector()
	seedStats(collector, db, logger)
	ledger := budget.NewLedger(db)

	classifier := routing.NewClassifier(cfg.ClassifierEndpoint, cfg.ClassifierModel, 5000, logger)
	router := routing.NewRouter(db,
		routing.NewRuleMatcher(db, logger),
		classifier,
		routing.NewSelector(db, ledger, bus, logger),
		logger,
	)

	httpClient := &http.Client{Transport: tracing.HTTPTransport(nil)}
	adapters := map[string]providers.Adapter{
		store.FormatOpenAI:    openai.New(openai.WithHTTPClient(httpClient)),
		store.FormatAnthropic: anthropic.New(anthropic.WithHTTPClient(httpClient)),
	}
	dispatcher := dispatch.NewDispatcher(db, adapters, bus, logger)

	monitor := health.NewMonitor(db, time.Duration(cfg.HealthIntervalMs)*time.Millisecond, bus, logger)

	allowedOrigins := cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Router-Source", "X-Router-Channel"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(tracing.Middleware())
	r.Use(limiter.Middleware)

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Router:     router,
		Dispatcher: dispatcher,
		Store:      db,
		Ledger:     ledger,
		EventBus:   bus,
		Stats:      collector,
		Metrics:    m,
		Logger:     logger,
		GatewayKey: cfg.GatewayKey,
	})

	return &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		monitor:         monitor,
		limiter:         limiter,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}, nil
}

// seedStats reloads recent request log rows into the rolling windows so the
// stats endpoint is not blank right after a restart. Provider is recovered
// from the model id prefix; rows older than the largest window are pruned on
// first read anyway.
func seedStats(c *stats.Collector, db store.Store, logger *slog.Logger) {
	logs, err := db.ListRequestLogs(context.Background(), 1000, 0)
	if err != nil {
		logger.Warn("stats seed skipped", slog.String("error", err.Error()))
		return
	}
	snapshots := make([]stats.Snapshot, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- { // oldest first for window pruning
		e := logs[i]
		provider := e.SelectedModel
		if idx := strings.IndexByte(provider, '/'); idx >= 0 {
			provider = provider[:idx]
		}
		snapshots = append(snapshots, stats.Snapshot{
			Timestamp:    e.Timestamp,
			ModelID:      e.SelectedModel,
			Provider:     provider,
			Tier:         e.Tier,
			LatencyMs:    float64(e.LatencyMs),
			CostUSD:      e.CostUSD,
			Success:      e.Success,
			InputTokens:  int(e.InputTokens),
			OutputTokens: int(e.OutputTokens),
		})
	}
	c.Seed(snapshots)
	if len(snapshots) > 0 {
		logger.Info("stats seeded from request log", slog.Int("rows", len(snapshots)))
	}
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Logger() *slog.Logger { return s.logger }

// Start launches the background loops (health probing, retention).
func (s *Server) Start(ctx context.Context) {
	s.monitor.Start(ctx)
	s.logger.Info("health monitor started",
		slog.Int("interval_ms", s.cfg.HealthIntervalMs))
}

func (s *Server) Close() error {
	s.monitor.Stop()
	s.limiter.Stop()
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
