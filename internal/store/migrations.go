package store

import (
	"context"
	"fmt"
)

// migration is one schema version. Statements run inside a single
// transaction and the version is recorded in _migrations, so re-running
// Migrate against an up-to-date database is a no-op.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "base schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS models (
				id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL,
				location TEXT NOT NULL CHECK (location IN ('colocated','lan','cloud')),
				endpoint TEXT NOT NULL,
				format TEXT NOT NULL DEFAULT 'openai',
				api_key_env TEXT NOT NULL DEFAULT '',
				quality_score INTEGER NOT NULL DEFAULT 0,
				context_window INTEGER NOT NULL DEFAULT 8192,
				max_output_tokens INTEGER NOT NULL DEFAULT 4096,
				supports_tools INTEGER NOT NULL DEFAULT 0,
				supports_vision INTEGER NOT NULL DEFAULT 0,
				reasoning INTEGER NOT NULL DEFAULT 0,
				price_in_per_m REAL NOT NULL DEFAULT 0,
				price_out_per_m REAL NOT NULL DEFAULT 0,
				price_cache_read_per_m REAL NOT NULL DEFAULT 0,
				price_cache_write_per_m REAL NOT NULL DEFAULT 0,
				latency_p50_ms INTEGER NOT NULL DEFAULT 0,
				latency_p95_ms INTEGER NOT NULL DEFAULT 0,
				hardware TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 1,
				healthy INTEGER NOT NULL DEFAULT 1,
				last_health_check TEXT,
				last_used TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS model_capabilities (
				model_id TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
				capability TEXT NOT NULL,
				PRIMARY KEY (model_id, capability)
			)`,
			`CREATE TABLE IF NOT EXISTS routing_rules (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				priority INTEGER NOT NULL,
				source TEXT,
				channel TEXT,
				pattern TEXT,
				token_max INTEGER,
				has_media INTEGER,
				target_model_id TEXT,
				action TEXT NOT NULL CHECK (action IN ('route','route_self','classify','reject','queue')),
				description TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_routing_rules_priority ON routing_rules(priority)`,
			`CREATE TABLE IF NOT EXISTS routing_policy (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				min_quality_score INTEGER NOT NULL DEFAULT 0,
				max_cost_per_million REAL NOT NULL DEFAULT 0,
				max_latency_ms INTEGER NOT NULL DEFAULT 30000,
				preferred_locations TEXT NOT NULL DEFAULT 'colocated,lan,cloud',
				quality_tolerance INTEGER NOT NULL DEFAULT 0,
				daily_budget_usd REAL NOT NULL DEFAULT 0,
				monthly_budget_usd REAL NOT NULL DEFAULT 0,
				fallback_model_id TEXT,
				router_model_id TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS complexity_map (
				complexity TEXT PRIMARY KEY,
				quality_floor INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS task_capability_map (
				task_type TEXT PRIMARY KEY,
				capability TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS budget_tracking (
				period_type TEXT NOT NULL CHECK (period_type IN ('daily','monthly')),
				period_key TEXT NOT NULL,
				total_spend REAL NOT NULL DEFAULT 0,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				request_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (period_type, period_key)
			)`,
			`CREATE TABLE IF NOT EXISTS provider_rate_limits (
				provider TEXT PRIMARY KEY,
				is_limited INTEGER NOT NULL DEFAULT 0,
				limited_since TEXT,
				retry_after TEXT,
				rpm_used INTEGER NOT NULL DEFAULT 0,
				tpm_used INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS health_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				model_id TEXT NOT NULL,
				checked_at TEXT NOT NULL,
				is_healthy INTEGER NOT NULL,
				latency_ms INTEGER,
				error TEXT NOT NULL DEFAULT '',
				consecutive_failures INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_health_log_model_ts ON health_log(model_id, checked_at)`,
			`CREATE TABLE IF NOT EXISTS request_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				channel TEXT NOT NULL DEFAULT '',
				tier INTEGER NOT NULL DEFAULT 0,
				rule_id INTEGER,
				classification TEXT NOT NULL DEFAULT '',
				selected_model TEXT NOT NULL,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				cost_usd REAL NOT NULL DEFAULT 0,
				latency_ms INTEGER NOT NULL DEFAULT 0,
				success INTEGER NOT NULL DEFAULT 1,
				error TEXT NOT NULL DEFAULT '',
				preview TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_request_log_model ON request_log(selected_model)`,
		},
	},
	{
		version: 2,
		name:    "seed lookup tables",
		stmts: []string{
			`INSERT OR IGNORE INTO complexity_map (complexity, quality_floor) VALUES
				('simple', 0), ('medium', 40), ('complex', 65), ('reasoning', 80)`,
			`INSERT OR IGNORE INTO task_capability_map (task_type, capability) VALUES
				('coding', 'coding'),
				('math', 'math'),
				('reasoning', 'complex_logic'),
				('tool_use', 'tool_calling'),
				('summarization', 'summarization'),
				('extraction', 'extraction'),
				('simple_qa', 'simple_qa'),
				('conversation', 'conversation'),
				('classification', 'classification'),
				('analysis', 'analysis'),
				('writing', 'writing'),
				('agentic', 'multi_step')`,
		},
	},
	{
		version: 3,
		name:    "seed default fleet, rules and policy",
		stmts: []string{
			`INSERT OR IGNORE INTO models
				(id, display_name, provider, location, endpoint, format, api_key_env,
				 quality_score, context_window, max_output_tokens,
				 supports_tools, supports_vision, reasoning,
				 price_in_per_m, price_out_per_m, latency_p50_ms, latency_p95_ms, hardware,
				 enabled, healthy)
			 VALUES
				('local/qwen3-8b', 'Qwen3 8B', 'local', 'colocated',
				 'http://127.0.0.1:11434/v1', 'openai', '',
				 45, 32768, 4096, 1, 0, 0, 0, 0, 350, 900, 'gateway host GPU', 1, 1),
				('local/qwen3-1.7b', 'Qwen3 1.7B (router)', 'local', 'colocated',
				 'http://127.0.0.1:11434/v1', 'openai', '',
				 20, 32768, 1024, 0, 0, 0, 0, 0, 120, 300, 'gateway host GPU', 1, 1),
				('lan/qwen3-coder-30b', 'Qwen3 Coder 30B', 'lan', 'lan',
				 'http://10.0.0.20:8000/v1', 'openai', '',
				 70, 131072, 8192, 1, 0, 0, 0, 0, 700, 2200, 'lan workstation, dual GPU', 1, 1),
				('lan/glm-4.5-air', 'GLM 4.5 Air', 'lan', 'lan',
				 'http://10.0.0.21:8000/v1', 'openai', '',
				 76, 131072, 8192, 1, 0, 1, 0, 0, 900, 2800, 'lan server', 1, 1),
				('openai/gpt-4o-mini', 'GPT-4o mini', 'openai', 'cloud',
				 'https://api.openai.com/v1', 'openai', 'OPENAI_API_KEY',
				 60, 128000, 16384, 1, 1, 0, 0.15, 0.60, 500, 1500, '', 1, 1),
				('anthropic/claude-sonnet-4', 'Claude Sonnet 4', 'anthropic', 'cloud',
				 'https://api.anthropic.com/v1', 'anthropic', 'ANTHROPIC_API_KEY',
				 92, 200000, 32000, 1, 1, 1, 3.0, 15.0, 800, 2500, '', 1, 1)`,
			`INSERT OR IGNORE INTO model_capabilities (model_id, capability) VALUES
				('local/qwen3-8b', 'conversation'),
				('local/qwen3-8b', 'simple_qa'),
				('local/qwen3-8b', 'summarization'),
				('local/qwen3-8b', 'classification'),
				('local/qwen3-1.7b', 'classification'),
				('lan/qwen3-coder-30b', 'coding'),
				('lan/qwen3-coder-30b', 'tool_calling'),
				('lan/qwen3-coder-30b', 'math'),
				('lan/qwen3-coder-30b', 'extraction'),
				('lan/qwen3-coder-30b', 'multi_step'),
				('lan/glm-4.5-air', 'complex_logic'),
				('lan/glm-4.5-air', 'reasoning'),
				('lan/glm-4.5-air', 'analysis'),
				('lan/glm-4.5-air', 'writing'),
				('openai/gpt-4o-mini', 'conversation'),
				('openai/gpt-4o-mini', 'simple_qa'),
				('openai/gpt-4o-mini', 'summarization'),
				('openai/gpt-4o-mini', 'extraction'),
				('openai/gpt-4o-mini', 'tool_calling'),
				('anthropic/claude-sonnet-4', 'coding'),
				('anthropic/claude-sonnet-4', 'complex_logic'),
				('anthropic/claude-sonnet-4', 'reasoning'),
				('anthropic/claude-sonnet-4', 'tool_calling'),
				('anthropic/claude-sonnet-4', 'analysis'),
				('anthropic/claude-sonnet-4', 'writing'),
				('anthropic/claude-sonnet-4', 'math'),
				('anthropic/claude-sonnet-4', 'multi_step')`,
			`INSERT OR IGNORE INTO routing_rules
				(priority, source, channel, pattern, token_max, has_media, target_model_id, action, description, enabled)
			 VALUES
				(10, 'heartbeat', NULL, NULL, NULL, NULL, 'local/qwen3-8b', 'route_self', 'heartbeat traffic stays on the gateway host', 1),
				(20, 'cron', NULL, NULL, NULL, NULL, 'local/qwen3-8b', 'route_self', 'scheduled jobs stay local', 1),
				(30, NULL, NULL, '^(ping|ok|test)[.!?]?$', 16, NULL, 'local/qwen3-8b', 'route_self', 'trivial probes', 1),
				(40, NULL, NULL, '^(hi|hello|hey|good (morning|afternoon|evening))\b', 64, NULL, 'local/qwen3-8b', 'route_self', 'greetings', 1),
				(1000, NULL, NULL, NULL, NULL, NULL, NULL, 'classify', 'catch-all: hand off to the classifier', 1)`,
			`INSERT OR IGNORE INTO routing_policy
				(id, min_quality_score, max_cost_per_million, max_latency_ms,
				 preferred_locations, quality_tolerance, daily_budget_usd, monthly_budget_usd,
				 fallback_model_id, router_model_id)
			 VALUES
				(1, 30, 20.0, 30000, 'colocated,lan,cloud', 10, 5.0, 50.0,
				 'anthropic/claude-sonnet-4', 'local/qwen3-1.7b')`,
		},
	},
}

// Migrate applies all unapplied schema versions in order. Applied versions
// are recorded in _migrations so the whole sequence is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("migrate: create _migrations: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM _migrations WHERE version = ?`, m.version).Scan(&n); err != nil {
			return fmt.Errorf("migrate: check version %d: %w", m.version, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate: begin v%d: %w", m.version, err)
		}
		for _, q := range m.stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate: v%d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, datetime('now'))`,
			m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate: record v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit v%d: %w", m.version, err)
		}
	}
	return nil
}
