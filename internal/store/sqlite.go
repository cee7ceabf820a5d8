package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL for concurrent readers, busy timeout for the single writer,
	// foreign keys for the capability index cascade.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite supports one writer at a time. Keep a small pool for read
	// concurrency and avoid write contention.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const modelColumns = `id, display_name, provider, location, endpoint, format, api_key_env,
	quality_score, context_window, max_output_tokens,
	supports_tools, supports_vision, reasoning,
	price_in_per_m, price_out_per_m, price_cache_read_per_m, price_cache_write_per_m,
	latency_p50_ms, latency_p95_ms, hardware, enabled, healthy, last_health_check, last_used`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(r rowScanner) (ModelRecord, error) {
	var m ModelRecord
	var tools, vision, reasoning, enabled, healthy int
	var lastCheck, lastUsed sql.NullString
	err := r.Scan(&m.ID, &m.DisplayName, &m.Provider, &m.Location, &m.Endpoint, &m.Format, &m.APIKeyEnv,
		&m.QualityScore, &m.ContextWindow, &m.MaxOutputTokens,
		&tools, &vision, &reasoning,
		&m.PriceInPerM, &m.PriceOutPerM, &m.PriceCacheRead, &m.PriceCacheWrite,
		&m.LatencyP50Ms, &m.LatencyP95Ms, &m.Hardware, &enabled, &healthy, &lastCheck, &lastUsed)
	if err != nil {
		return ModelRecord{}, err
	}
	m.SupportsTools = tools != 0
	m.SupportsVision = vision != 0
	m.Reasoning = reasoning != 0
	m.Enabled = enabled != 0
	m.Healthy = healthy != 0
	if lastCheck.Valid {
		if t, err := time.Parse(time.RFC3339, lastCheck.String); err == nil {
			m.LastHealthCheck = &t
		}
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
			m.LastUsed = &t
		}
	}
	return m, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*ModelRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	caps, err := s.modelCapabilities(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Capabilities = caps
	return &m, nil
}

func (s *SQLiteStore) modelCapabilities(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT capability FROM model_capabilities WHERE model_id = ? ORDER BY capability`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (s *SQLiteStore) listModels(ctx context.Context, where string, args ...any) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var models []ModelRecord
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelRecord, error) {
	return s.listModels(ctx, `ORDER BY id`)
}

func (s *SQLiteStore) ListEnabledModels(ctx context.Context) ([]ModelRecord, error) {
	return s.listModels(ctx, `WHERE enabled = 1 ORDER BY id`)
}

func (s *SQLiteStore) ListEnabledHealthyModels(ctx context.Context, capability string) ([]ModelRecord, error) {
	if capability == "" {
		return s.listModels(ctx, `WHERE enabled = 1 AND healthy = 1 ORDER BY id`)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models
		 INNER JOIN model_capabilities mc ON mc.model_id = models.id
		 WHERE enabled = 1 AND healthy = 1 AND mc.capability = ?
		 ORDER BY id`, capability)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var models []ModelRecord
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m ModelRecord) error {
	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO models (`+modelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name=excluded.display_name,
		   provider=excluded.provider,
		   location=excluded.location,
		   endpoint=excluded.endpoint,
		   format=excluded.format,
		   api_key_env=excluded.api_key_env,
		   quality_score=excluded.quality_score,
		   context_window=excluded.context_window,
		   max_output_tokens=excluded.max_output_tokens,
		   supports_tools=excluded.supports_tools,
		   supports_vision=excluded.supports_vision,
		   reasoning=excluded.reasoning,
		   price_in_per_m=excluded.price_in_per_m,
		   price_out_per_m=excluded.price_out_per_m,
		   price_cache_read_per_m=excluded.price_cache_read_per_m,
		   price_cache_write_per_m=excluded.price_cache_write_per_m,
		   latency_p50_ms=excluded.latency_p50_ms,
		   latency_p95_ms=excluded.latency_p95_ms,
		   hardware=excluded.hardware,
		   enabled=excluded.enabled,
		   healthy=excluded.healthy`,
		m.ID, m.DisplayName, m.Provider, m.Location, m.Endpoint, m.Format, m.APIKeyEnv,
		m.QualityScore, m.ContextWindow, m.MaxOutputTokens,
		b2i(m.SupportsTools), b2i(m.SupportsVision), b2i(m.Reasoning),
		m.PriceInPerM, m.PriceOutPerM, m.PriceCacheRead, m.PriceCacheWrite,
		m.LatencyP50Ms, m.LatencyP95Ms, m.Hardware, b2i(m.Enabled), b2i(m.Healthy))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if m.Capabilities != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM model_capabilities WHERE model_id = ?`, m.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
		for _, c := range m.Capabilities {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO model_capabilities (model_id, capability) VALUES (?, ?)`, m.ID, c); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetModelHealthy(ctx context.Context, id string, healthy bool) error {
	h := 0
	if healthy {
		h = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE models SET healthy = ?, last_health_check = ? WHERE id = ?`,
		h, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) TouchModelHealthCheck(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE models SET last_health_check = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) TouchModelLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE models SET last_used = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	return err
}

// Rules and policy

func (s *SQLiteStore) LoadRules(ctx context.Context) ([]RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, priority, source, channel, pattern, token_max, has_media,
		        target_model_id, action, description, enabled
		 FROM routing_rules WHERE enabled = 1 ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var rules []RuleRecord
	for rows.Next() {
		var r RuleRecord
		var source, channel, pattern, target sql.NullString
		var tokenMax, hasMedia sql.NullInt64
		var enabled int
		if err := rows.Scan(&r.ID, &r.Priority, &source, &channel, &pattern, &tokenMax, &hasMedia,
			&target, &r.Action, &r.Description, &enabled); err != nil {
			return nil, err
		}
		if source.Valid {
			r.Source = &source.String
		}
		if channel.Valid {
			r.Channel = &channel.String
		}
		if pattern.Valid {
			r.Pattern = &pattern.String
		}
		if tokenMax.Valid {
			v := int(tokenMax.Int64)
			r.TokenMax = &v
		}
		if hasMedia.Valid {
			v := hasMedia.Int64 != 0
			r.HasMedia = &v
		}
		if target.Valid {
			r.TargetModelID = &target.String
		}
		r.Enabled = enabled != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) LoadPolicy(ctx context.Context) (*PolicyRecord, error) {
	var p PolicyRecord
	var fallback, router sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT min_quality_score, max_cost_per_million, max_latency_ms,
		        preferred_locations, quality_tolerance, daily_budget_usd, monthly_budget_usd,
		        fallback_model_id, router_model_id
		 FROM routing_policy WHERE id = 1`).
		Scan(&p.MinQualityScore, &p.MaxCostPerMillion, &p.MaxLatencyMs,
			&p.PreferredLocations, &p.QualityTolerance, &p.DailyBudgetUSD, &p.MonthlyBudgetUSD,
			&fallback, &router)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.FallbackModelID = fallback.String
	p.RouterModelID = router.String
	return &p, nil
}

func (s *SQLiteStore) QualityFloor(ctx context.Context, complexity string) (int, bool, error) {
	var floor int
	err := s.db.QueryRowContext(ctx,
		`SELECT quality_floor FROM complexity_map WHERE complexity = ?`, complexity).Scan(&floor)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return floor, true, nil
}

func (s *SQLiteStore) CapabilityForTask(ctx context.Context, taskType string) (string, bool, error) {
	var capability string
	err := s.db.QueryRowContext(ctx,
		`SELECT capability FROM task_capability_map WHERE task_type = ?`, taskType).Scan(&capability)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return capability, true, nil
}

// Provider rate limits

func (s *SQLiteStore) ListLimitedProviders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider FROM provider_rate_limits WHERE is_limited = 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (s *SQLiteStore) MarkProviderLimited(ctx context.Context, provider string, since, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_rate_limits (provider, is_limited, limited_since, retry_after)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
		   is_limited=1,
		   limited_since=excluded.limited_since,
		   retry_after=excluded.retry_after`,
		provider, since.UTC().Format(time.RFC3339), retryAfter.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ClearExpiredLimits(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_rate_limits
		 SET is_limited = 0, limited_since = NULL, retry_after = NULL
		 WHERE is_limited = 1 AND retry_after IS NOT NULL AND retry_after < ?`,
		now.UTC().Format(time.RFC3339))
	return err
}

// Budget ledger

func (s *SQLiteStore) GetSpend(ctx context.Context, periodType, periodKey string) (*SpendRecord, error) {
	r := SpendRecord{PeriodType: periodType, PeriodKey: periodKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT total_spend, input_tokens, output_tokens, request_count
		 FROM budget_tracking WHERE period_type = ? AND period_key = ?`,
		periodType, periodKey).
		Scan(&r.TotalSpend, &r.InputTokens, &r.OutputTokens, &r.RequestCount)
	if err == sql.ErrNoRows {
		// A missing row is zero spend, not an error.
		return &r, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AddSpend accumulates cost and token counters into a single period row.
// The upsert is a single statement so concurrent requests never lose updates.
func (s *SQLiteStore) AddSpend(ctx context.Context, periodType, periodKey string, costUSD float64, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_tracking (period_type, period_key, total_spend, input_tokens, output_tokens, request_count)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(period_type, period_key) DO UPDATE SET
		   total_spend = total_spend + excluded.total_spend,
		   input_tokens = input_tokens + excluded.input_tokens,
		   output_tokens = output_tokens + excluded.output_tokens,
		   request_count = request_count + 1`,
		periodType, periodKey, costUSD, inputTokens, outputTokens)
	return err
}

// Health log

func (s *SQLiteStore) LatestHealthEntry(ctx context.Context, modelID string) (*HealthEntry, error) {
	var e HealthEntry
	var ts string
	var healthy int
	var latency sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_id, checked_at, is_healthy, latency_ms, error, consecutive_failures
		 FROM health_log WHERE model_id = ? ORDER BY id DESC LIMIT 1`, modelID).
		Scan(&e.ID, &e.ModelID, &ts, &healthy, &latency, &e.Error, &e.ConsecutiveFailures)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Healthy = healthy != 0
	e.CheckedAt, _ = time.Parse(time.RFC3339, ts)
	if latency.Valid {
		e.LatencyMs = &latency.Int64
	}
	return &e, nil
}

func (s *SQLiteStore) AppendHealthEntry(ctx context.Context, e HealthEntry) error {
	healthy := 0
	if e.Healthy {
		healthy = 1
	}
	var latency any
	if e.LatencyMs != nil {
		latency = *e.LatencyMs
	}
	if e.CheckedAt.IsZero() {
		e.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_log (model_id, checked_at, is_healthy, latency_ms, error, consecutive_failures)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ModelID, e.CheckedAt.UTC().Format(time.RFC3339), healthy, latency, e.Error, e.ConsecutiveFailures)
	return err
}

func (s *SQLiteStore) PruneHealthEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM health_log WHERE checked_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Request log

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, e RequestLogEntry) error {
	success := 0
	if e.Success {
		success = 1
	}
	var ruleID any
	if e.RuleID != nil {
		ruleID = *e.RuleID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log
		   (timestamp, source, channel, tier, rule_id, classification, selected_model,
		    input_tokens, output_tokens, cost_usd, latency_ms, success, error, preview)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339), e.Source, e.Channel, e.Tier, ruleID,
		e.Classification, e.SelectedModel, e.InputTokens, e.OutputTokens,
		e.CostUSD, e.LatencyMs, success, e.Error, e.Preview)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, limit, offset int) ([]RequestLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, source, channel, tier, rule_id, classification, selected_model,
		        input_tokens, output_tokens, cost_usd, latency_ms, success, error
		 FROM request_log ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var logs []RequestLogEntry
	for rows.Next() {
		var e RequestLogEntry
		var ts string
		var ruleID sql.NullInt64
		var success int
		if err := rows.Scan(&e.ID, &ts, &e.Source, &e.Channel, &e.Tier, &ruleID, &e.Classification,
			&e.SelectedModel, &e.InputTokens, &e.OutputTokens, &e.CostUSD, &e.LatencyMs,
			&success, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if ruleID.Valid {
			e.RuleID = &ruleID.Int64
		}
		e.Success = success != 0
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) PruneRequestLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE timestamp < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ModelHealthCounts(ctx context.Context) (int, int, error) {
	var total, healthy int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(healthy), 0) FROM models WHERE enabled = 1`).
		Scan(&total, &healthy)
	return total, healthy, err
}
