// Package delivery holds retry state for deliveries that failed
// transiently. Retries are data (attempt count and next eligible time)
// driven by the owner's loop, not sleeping goroutines.
package delivery

import (
	"container/heap"
	"sync"
	"time"

	"courier/pkg/models"
	"courier/pkg/retry"
)

// Attempt is one pending retry. Attempt counts failed tries so far.
type Attempt struct {
	Key       string
	Envelope  models.Envelope
	Attempt   int
	NextAt    time.Time
	LastError error
}

// Schedule is a time-ordered set of pending retries. Safe for concurrent use.
type Schedule struct {
	mu    sync.Mutex
	items attemptHeap
	seq   uint64
	wake  chan struct{}
}

func NewSchedule() *Schedule {
	return &Schedule{wake: make(chan struct{}, 1)}
}

// Push stores a retry and wakes a waiting loop.
func (s *Schedule) Push(a Attempt) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.items, &entry{Attempt: a, seq: s.seq})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Retry records a failure of a and schedules the next try per policy. It
// returns false, without scheduling, once the policy is exhausted.
func (s *Schedule) Retry(a Attempt, policy retry.Policy, cause error, now time.Time) (Attempt, bool) {
	a.Attempt++
	a.LastError = cause
	if policy.Exhausted(a.Attempt) {
		return a, false
	}
	a.NextAt = now.Add(policy.Delay(a.Attempt))
	s.Push(a)
	return a, true
}

// PopDue removes and returns every retry due at or before now, oldest first.
func (s *Schedule) PopDue(now time.Time) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Attempt
	for s.items.Len() > 0 && !s.items[0].NextAt.After(now) {
		e := heap.Pop(&s.items).(*entry)
		due = append(due, e.Attempt)
	}
	return due
}

// NextAt reports when the earliest retry is due.
func (s *Schedule) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items.Len() == 0 {
		return time.Time{}, false
	}
	return s.items[0].NextAt, true
}

func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// CountByKey reports how many retries each key has pending.
func (s *Schedule) CountByKey() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, e := range s.items {
		out[e.Key]++
	}
	return out
}

// Drop removes every retry with the given key and returns them.
func (s *Schedule) Drop(key string) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []Attempt
	kept := s.items[:0]
	for _, e := range s.items {
		if e.Key == key {
			dropped = append(dropped, e.Attempt)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = nil
	}
	s.items = kept
	heap.Init(&s.items)
	return dropped
}

// Drain removes and returns everything, oldest first.
func (s *Schedule) Drain() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Attempt, 0, s.items.Len())
	for s.items.Len() > 0 {
		out = append(out, heap.Pop(&s.items).(*entry).Attempt)
	}
	return out
}

// Wake is signalled after every Push.
func (s *Schedule) Wake() <-chan struct{} {
	return s.wake
}

// Timer returns a channel that fires when the earliest retry is due, or nil
// when nothing is scheduled. A nil channel blocks forever in a select.
func (s *Schedule) Timer(now time.Time) (<-chan time.Time, func()) {
	next, ok := s.NextAt()
	if !ok {
		return nil, func() {}
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

type entry struct {
	Attempt
	seq uint64
}

type attemptHeap []*entry

func (h attemptHeap) Len() int { return len(h) }

func (h attemptHeap) Less(i, j int) bool {
	if h[i].NextAt.Equal(h[j].NextAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].NextAt.Before(h[j].NextAt)
}

func (h attemptHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *attemptHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *attemptHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
