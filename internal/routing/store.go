package routing

import (
	"fmt"
	"sync"
	"sync/atomic"

	"courier/pkg/cel"
	"courier/pkg/metrics"
)

// Store publishes rule snapshots atomically. Readers never block and keep
// whatever snapshot they loaded for the rest of their match.
type Store struct {
	current   atomic.Pointer[Snapshot]
	evaluator *cel.Evaluator
	swapMu    sync.Mutex
	version   uint64
}

func NewStore() (*Store, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &Store{evaluator: evaluator}
	empty, _ := NewSnapshot(nil, evaluator, 0)
	s.current.Store(empty)
	return s, nil
}

func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

func (s *Store) Evaluator() *cel.Evaluator {
	return s.evaluator
}

// Swap compiles rules into a new snapshot and publishes it. On error the
// live snapshot is left untouched.
func (s *Store) Swap(rules []Rule) (*Snapshot, error) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	next, err := NewSnapshot(rules, s.evaluator, s.version+1)
	if err != nil {
		return nil, err
	}
	s.version++
	s.current.Store(next)

	metrics.SetRoutingSnapshot(next.Version(), next.ActiveRules())
	return next, nil
}
