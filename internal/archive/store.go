// Package archive keeps an append-only history of accepted envelopes and
// replays time ranges of it as new publishes.
package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// Record is one archived envelope. Seq is allocated by the store on
// Append and orders records by arrival there; any value set by the
// caller is ignored.
type Record struct {
	Seq        int64           `json:"seq"`
	Bus        string          `json:"bus"`
	AcceptedAt time.Time       `json:"accepted_at"`
	Envelope   models.Envelope `json:"envelope"`
}

// Query selects records of one bus accepted in [From, To) with a sequence
// after AfterSeq. A zero To leaves the range open.
type Query struct {
	Bus      string
	From     time.Time
	To       time.Time
	AfterSeq int64
	Limit    int
}

func (q Query) matches(r Record) bool {
	if q.Bus != "" && r.Bus != q.Bus {
		return false
	}
	if r.Seq <= q.AfterSeq {
		return false
	}
	if !q.From.IsZero() && r.AcceptedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.AcceptedAt.Before(q.To) {
		return false
	}
	return true
}

// Store persists archive records. Append assigns each new record the next
// sequence number and skips envelopes whose id is already stored, so
// several writers can share one store. Scan returns records in sequence
// order.
type Store interface {
	Append(ctx context.Context, records []Record) error
	Scan(ctx context.Context, q Query) ([]Record, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
	MaxSeq(ctx context.Context) (int64, error)
	Close() error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}
	lastSeq int64
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) Append(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkgerrors.ErrClosed
	}

	for _, r := range records {
		if _, dup := s.ids[r.Envelope.ID]; dup {
			continue
		}
		s.lastSeq++
		r.Seq = s.lastSeq
		r.Envelope = r.Envelope.Clone()
		s.ids[r.Envelope.ID] = struct{}{}
		s.records = append(s.records, r)
	}
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, pkgerrors.ErrClosed
	}

	start := sort.Search(len(s.records), func(i int) bool { return s.records[i].Seq > q.AfterSeq })
	var out []Record
	for _, r := range s.records[start:] {
		if !q.matches(r) {
			continue
		}
		r.Envelope = r.Envelope.Clone()
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, pkgerrors.ErrClosed
	}

	kept := s.records[:0]
	var purged int64
	for _, r := range s.records {
		if r.AcceptedAt.Before(before) {
			delete(s.ids, r.Envelope.ID)
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return purged, nil
}

func (s *MemoryStore) MaxSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
