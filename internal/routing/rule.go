package routing

import (
	"time"

	"courier/internal/config"
)

type TargetKind string

const (
	TargetQueue   TargetKind = config.TargetQueue
	TargetTopic   TargetKind = config.TargetTopic
	TargetKafka   TargetKind = config.TargetKafka
	TargetNATS    TargetKind = config.TargetNATS
	TargetWebhook TargetKind = config.TargetWebhook
)

// Target names a delivery destination. Targets are resolved at delivery
// time so a rule can outlive the component it points to.
type Target struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name"`
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.Name
}

type ClauseKind string

const (
	ClauseExact      ClauseKind = config.ClauseExact
	ClauseOneOf      ClauseKind = config.ClauseOneOf
	ClausePrefix     ClauseKind = config.ClausePrefix
	ClauseExists     ClauseKind = config.ClauseExists
	ClauseNumeric    ClauseKind = config.ClauseNumeric
	ClauseExpression ClauseKind = config.ClauseExpression
)

// Clause is one predicate over an envelope field. Which of Value, Values,
// Op, Number and Expression apply depends on Kind.
type Clause struct {
	Field      string     `json:"field,omitempty"`
	Kind       ClauseKind `json:"kind"`
	Value      string     `json:"value,omitempty"`
	Values     []string   `json:"values,omitempty"`
	Op         string     `json:"op,omitempty"`
	Number     float64    `json:"number,omitempty"`
	Expression string     `json:"expression,omitempty"`
}

// Rule routes matching envelopes of one bus to its targets. All clauses
// must hold; a rule with no clauses matches everything on its bus.
type Rule struct {
	ID        string    `json:"id"`
	Bus       string    `json:"bus"`
	Name      string    `json:"name"`
	Clauses   []Clause  `json:"clauses"`
	Targets   []Target  `json:"targets"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func TargetFromConfig(ref config.TargetRefConfig) Target {
	return Target{Kind: TargetKind(ref.Kind), Name: ref.Name}
}

func ClausesFromConfig(cfgs []config.ClauseConfig) []Clause {
	if len(cfgs) == 0 {
		return nil
	}
	clauses := make([]Clause, 0, len(cfgs))
	for _, c := range cfgs {
		clauses = append(clauses, Clause{
			Field:      c.Field,
			Kind:       ClauseKind(c.Kind),
			Value:      c.Value,
			Values:     append([]string(nil), c.Values...),
			Op:         c.Op,
			Number:     c.Number,
			Expression: c.Expression,
		})
	}
	return clauses
}

// RulesFromConfig keeps declaration order, which is also match order.
func RulesFromConfig(cfgs []config.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		targets := make([]Target, 0, len(rc.Targets))
		for _, ref := range rc.Targets {
			targets = append(targets, TargetFromConfig(ref))
		}
		name := rc.Name
		if name == "" {
			name = rc.ID
		}
		rules = append(rules, Rule{
			ID:      rc.ID,
			Bus:     rc.Bus,
			Name:    name,
			Clauses: ClausesFromConfig(rc.Clauses),
			Targets: targets,
			Enabled: rc.IsEnabled(),
		})
	}
	return rules
}
