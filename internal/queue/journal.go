package queue

import (
	"context"
	"sort"
	"sync"
)

// Journal persists queue state. Every enqueue is written before it
// returns; lease changes are written so Recover can rebuild in-flight
// state after a restart.
type Journal interface {
	Put(ctx context.Context, queue string, m Message) error
	Delete(ctx context.Context, queue string, id string) error
	Load(ctx context.Context, queue string) ([]Message, error)
}

// MemoryJournal keeps state in process. It survives queue rebuilds during
// hot reload but not a process restart.
type MemoryJournal struct {
	mu     sync.RWMutex
	queues map[string]map[string]Message
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{queues: make(map[string]map[string]Message)}
}

func (j *MemoryJournal) Put(ctx context.Context, queue string, m Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	msgs, ok := j.queues[queue]
	if !ok {
		msgs = make(map[string]Message)
		j.queues[queue] = msgs
	}
	m.Envelope = m.Envelope.Clone()
	msgs[m.ID] = m
	return nil
}

func (j *MemoryJournal) Delete(ctx context.Context, queue string, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.queues[queue], id)
	return nil
}

func (j *MemoryJournal) Load(ctx context.Context, queue string) ([]Message, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Message, 0, len(j.queues[queue]))
	for _, m := range j.queues[queue] {
		out = append(out, m)
	}
	sortBySeq(out)
	return out, nil
}

func sortBySeq(msgs []Message) {
	sort.Slice(msgs, func(i, k int) bool { return msgs[i].Seq < msgs[k].Seq })
}
