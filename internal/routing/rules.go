package routing

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/bonjohen/smartclaw/internal/store"
)

// rulesCacheTTL bounds how stale the in-process rule table may be.
const rulesCacheTTL = 5 * time.Second

// RuleMatcher evaluates the Tier-1 rule table. Rules are cached for a few
// seconds so the hot path avoids a store read per request; compiled patterns
// are cached alongside the rules.
type RuleMatcher struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	rules    []store.RuleRecord
	patterns map[int64]*regexp.Regexp
	loadedAt time.Time
	now      func() time.Time
}

// NewRuleMatcher creates a matcher over the store's rule table.
func NewRuleMatcher(s store.Store, logger *slog.Logger) *RuleMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleMatcher{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Invalidate discards the cache so the next Match reloads from the store.
func (m *RuleMatcher) Invalidate() {
	m.mu.Lock()
	m.loadedAt = time.Time{}
	m.mu.Unlock()
}

func (m *RuleMatcher) load(ctx context.Context) ([]store.RuleRecord, map[int64]*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loadedAt.IsZero() && m.now().Sub(m.loadedAt) < rulesCacheTTL {
		return m.rules, m.patterns, nil
	}

	rules, err := m.store.LoadRules(ctx)
	if err != nil {
		return nil, nil, err
	}
	patterns := make(map[int64]*regexp.Regexp)
	for _, r := range rules {
		if r.Pattern == nil {
			continue
		}
		re, err := regexp.Compile("(?i)" + *r.Pattern)
		if err != nil {
			m.logger.Warn("skipping rule with invalid pattern",
				slog.Int64("rule_id", r.ID),
				slog.String("pattern", *r.Pattern),
				slog.String("error", err.Error()),
			)
			continue
		}
		patterns[r.ID] = re
	}

	m.rules = rules
	m.patterns = patterns
	m.loadedAt = m.now()
	return rules, patterns, nil
}

// Match returns the first enabled rule all of whose predicates hold, in
// ascending priority order, or nil when nothing matches. Rules whose pattern
// failed to compile are skipped individually.
func (m *RuleMatcher) Match(ctx context.Context, meta RequestMeta) (*store.RuleRecord, error) {
	rules, patterns, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	preview := meta.Preview()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if r.Source != nil && *r.Source != meta.Source {
			continue
		}
		if r.Channel != nil && *r.Channel != meta.Channel {
			continue
		}
		if r.TokenMax != nil && meta.RawTokens > *r.TokenMax {
			continue
		}
		if r.HasMedia != nil && *r.HasMedia != meta.HasMedia {
			continue
		}
		if r.Pattern != nil {
			re, ok := patterns[r.ID]
			if !ok {
				continue
			}
			if !re.MatchString(preview) {
				continue
			}
		}
		return r, nil
	}
	return nil, nil
}
