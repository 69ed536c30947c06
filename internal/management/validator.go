package management

import (
	"fmt"
	"strings"

	"courier/internal/routing"
	"courier/pkg/cel"
)

var validTargetKinds = map[routing.TargetKind]bool{
	routing.TargetQueue:   true,
	routing.TargetTopic:   true,
	routing.TargetKafka:   true,
	routing.TargetNATS:    true,
	routing.TargetWebhook: true,
}

// ValidateRule checks a rule request before it is written. Clause
// compilation uses the same evaluator as the live matcher, so a rule that
// passes here also loads.
func ValidateRule(req RuleRequest, evaluator *cel.Evaluator) error {
	if strings.TrimSpace(req.Bus) == "" {
		return fmt.Errorf("bus is required")
	}
	if len(req.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for i, t := range req.Targets {
		if !validTargetKinds[t.Kind] {
			return fmt.Errorf("invalid targets[%d].kind: %q. Allowed: queue, topic, kafka, nats, webhook", i, t.Kind)
		}
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
	}
	if _, err := routing.CompileFilter(req.Clauses, evaluator); err != nil {
		return fmt.Errorf("invalid clauses: %w", err)
	}
	return nil
}
