package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads when no row matches.
var ErrNotFound = errors.New("store: not found")

// Model locations. Co-located models run on the gateway host, LAN models on
// the operator's private network, cloud models behind commercial APIs.
const (
	LocationColocated = "colocated"
	LocationLAN       = "lan"
	LocationCloud     = "cloud"
)

// Wire formats understood by the backend adapters.
const (
	FormatOpenAI    = "openai"
	FormatAnthropic = "anthropic"
)

// Rule actions.
const (
	ActionRoute     = "route"
	ActionRouteSelf = "route_self"
	ActionClassify  = "classify"
	ActionReject    = "reject"
	ActionQueue     = "queue"
)

// Budget period types.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// Store defines the persistence interface for the gateway registry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Models
	GetModel(ctx context.Context, id string) (*ModelRecord, error)
	ListModels(ctx context.Context) ([]ModelRecord, error)
	ListEnabledModels(ctx context.Context) ([]ModelRecord, error)
	// ListEnabledHealthyModels returns enabled+healthy models, inner-joined
	// on the capability index when capability is non-empty.
	ListEnabledHealthyModels(ctx context.Context, capability string) ([]ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	SetModelHealthy(ctx context.Context, id string, healthy bool) error
	TouchModelHealthCheck(ctx context.Context, id string, at time.Time) error
	TouchModelLastUsed(ctx context.Context, id string, at time.Time) error

	// Routing rules and policy
	LoadRules(ctx context.Context) ([]RuleRecord, error)
	LoadPolicy(ctx context.Context) (*PolicyRecord, error)
	QualityFloor(ctx context.Context, complexity string) (int, bool, error)
	CapabilityForTask(ctx context.Context, taskType string) (string, bool, error)

	// Provider rate limits
	ListLimitedProviders(ctx context.Context) ([]string, error)
	MarkProviderLimited(ctx context.Context, provider string, since, retryAfter time.Time) error
	ClearExpiredLimits(ctx context.Context, now time.Time) error

	// Budget ledger
	GetSpend(ctx context.Context, periodType, periodKey string) (*SpendRecord, error)
	AddSpend(ctx context.Context, periodType, periodKey string, costUSD float64, inputTokens, outputTokens int64) error

	// Health log
	LatestHealthEntry(ctx context.Context, modelID string) (*HealthEntry, error)
	AppendHealthEntry(ctx context.Context, e HealthEntry) error
	PruneHealthEntries(ctx context.Context, before time.Time) (int64, error)

	// Request log
	InsertRequestLog(ctx context.Context, e RequestLogEntry) error
	ListRequestLogs(ctx context.Context, limit, offset int) ([]RequestLogEntry, error)
	PruneRequestLogs(ctx context.Context, before time.Time) (int64, error)

	// ModelHealthCounts returns (total, healthy) over enabled models.
	ModelHealthCounts(ctx context.Context) (total, healthy int, err error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ModelRecord is the persisted form of a fleet model. IDs are stable
// "{provider}/{name}" strings, e.g. "anthropic/claude-sonnet-4".
type ModelRecord struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	Provider        string  `json:"provider"`
	Location        string  `json:"location"` // colocated | lan | cloud
	Endpoint        string  `json:"endpoint"`
	Format          string  `json:"format"` // openai | anthropic
	APIKeyEnv       string  `json:"api_key_env,omitempty"`
	QualityScore    int     `json:"quality_score"`  // 0..100, fleet-relative
	ContextWindow   int     `json:"context_window"` // 0 = unknown, exempt from fit checks
	MaxOutputTokens int     `json:"max_output_tokens"`
	SupportsTools   bool    `json:"supports_tools"`
	SupportsVision  bool    `json:"supports_vision"`
	Reasoning       bool    `json:"reasoning"`
	PriceInPerM     float64 `json:"price_in_per_m"`
	PriceOutPerM    float64 `json:"price_out_per_m"`
	PriceCacheRead  float64 `json:"price_cache_read_per_m"`
	PriceCacheWrite float64 `json:"price_cache_write_per_m"`
	LatencyP50Ms    int     `json:"latency_p50_ms"`
	LatencyP95Ms    int     `json:"latency_p95_ms"`
	Hardware        string  `json:"hardware,omitempty"`
	Enabled         bool    `json:"enabled"`
	Healthy         bool    `json:"healthy"`

	Capabilities []string `json:"capabilities,omitempty"`

	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	LastUsed        *time.Time `json:"last_used,omitempty"`
}

// RuleRecord is one row of the Tier-1 rule table. Nil predicate fields are
// wildcards; a rule with no predicates matches everything.
type RuleRecord struct {
	ID            int64   `json:"id"`
	Priority      int     `json:"priority"` // lower evaluates first
	Source        *string `json:"source,omitempty"`
	Channel       *string `json:"channel,omitempty"`
	Pattern       *string `json:"pattern,omitempty"` // case-insensitive regex on the preview
	TokenMax      *int    `json:"token_max,omitempty"`
	HasMedia      *bool   `json:"has_media,omitempty"`
	TargetModelID *string `json:"target_model_id,omitempty"`
	Action        string  `json:"action"`
	Description   string  `json:"description,omitempty"`
	Enabled       bool    `json:"enabled"`
}

// PolicyRecord is the singleton routing policy row.
type PolicyRecord struct {
	MinQualityScore    int     `json:"min_quality_score"`
	MaxCostPerMillion  float64 `json:"max_cost_per_million"`
	MaxLatencyMs       int     `json:"max_latency_ms"`
	PreferredLocations string  `json:"preferred_locations"` // comma-separated, most preferred first
	QualityTolerance   int     `json:"quality_tolerance"`
	DailyBudgetUSD     float64 `json:"daily_budget_usd"`
	MonthlyBudgetUSD   float64 `json:"monthly_budget_usd"`
	FallbackModelID    string  `json:"fallback_model_id,omitempty"`
	RouterModelID      string  `json:"router_model_id,omitempty"`
}

// SpendRecord is one accumulated budget row keyed by (period_type, period_key).
type SpendRecord struct {
	PeriodType   string  `json:"period_type"` // daily | monthly
	PeriodKey    string  `json:"period_key"`  // e.g. 2026-08-25 or 2026-08
	TotalSpend   float64 `json:"total_spend"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	RequestCount int64   `json:"request_count"`
}

// HealthEntry is one append-only probe (or dispatch failure) outcome.
type HealthEntry struct {
	ID                  int64     `json:"id"`
	ModelID             string    `json:"model_id"`
	CheckedAt           time.Time `json:"checked_at"`
	Healthy             bool      `json:"healthy"`
	LatencyMs           *int64    `json:"latency_ms,omitempty"`
	Error               string    `json:"error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// RequestLogEntry is one row per completed request. Preview is stored for
// debugging only and must never surface on aggregate endpoints.
type RequestLogEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Tier           int       `json:"tier"`
	RuleID         *int64    `json:"rule_id,omitempty"`
	Classification string    `json:"classification,omitempty"` // compact JSON
	SelectedModel  string    `json:"selected_model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Preview        string    `json:"-"`
}
