package routing

import (
	"context"
	"fmt"
	"time"

	"courier/pkg/cel"
	"courier/pkg/models"
)

type compiledRule struct {
	rule   Rule
	filter *Filter
}

// Snapshot is an immutable, compiled rule set. Matching against a snapshot
// is safe from any goroutine.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	rules    []compiledRule
	byBus    map[string][]int
}

// MatchResult lists the matched rule ids and their targets, in rule
// registration order then target declaration order. A target named by two
// rules appears twice.
type MatchResult struct {
	RuleIDs []string
	Targets []Target
}

// NewSnapshot validates and compiles rules. Any invalid rule rejects the
// whole set.
func NewSnapshot(rules []Rule, evaluator *cel.Evaluator, version uint64) (*Snapshot, error) {
	s := &Snapshot{
		version:  version,
		loadedAt: time.Now(),
		rules:    make([]compiledRule, 0, len(rules)),
		byBus:    make(map[string][]int),
	}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule without id on bus %q", r.Bus)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Bus == "" {
			return nil, fmt.Errorf("rule %q has no bus", r.ID)
		}
		if len(r.Targets) == 0 {
			return nil, fmt.Errorf("rule %q has no targets", r.ID)
		}
		for _, t := range r.Targets {
			if t.Kind == "" || t.Name == "" {
				return nil, fmt.Errorf("rule %q has an incomplete target %q", r.ID, t.String())
			}
		}

		filter, err := CompileFilter(r.Clauses, evaluator)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}

		s.byBus[r.Bus] = append(s.byBus[r.Bus], len(s.rules))
		s.rules = append(s.rules, compiledRule{rule: r, filter: filter})
	}

	return s, nil
}

func (s *Snapshot) Version() uint64 {
	return s.version
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Rules returns the rules in registration order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, cr := range s.rules {
		out = append(out, cr.rule)
	}
	return out
}

func (s *Snapshot) ActiveRules() int {
	n := 0
	for _, cr := range s.rules {
		if cr.rule.Enabled {
			n++
		}
	}
	return n
}

func (s *Snapshot) Match(ctx context.Context, env models.Envelope) MatchResult {
	var result MatchResult
	if s == nil {
		return result
	}
	for _, idx := range s.byBus[env.Bus] {
		cr := s.rules[idx]
		if !cr.rule.Enabled || !cr.filter.Matches(ctx, env) {
			continue
		}
		result.RuleIDs = append(result.RuleIDs, cr.rule.ID)
		result.Targets = append(result.Targets, cr.rule.Targets...)
	}
	return result
}

// Match evaluates env against rules without keeping a snapshot. Rules that
// fail to compile are reported as an error.
func Match(ctx context.Context, env models.Envelope, rules []Rule) ([]Target, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	snapshot, err := NewSnapshot(rules, evaluator, 0)
	if err != nil {
		return nil, err
	}
	return snapshot.Match(ctx, env).Targets, nil
}
