package streams

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// entry is one appended record. Pending-entry bookkeeping (owning consumer
// and delivery time) is kept per group in pendingEntry.
type entry struct {
	id     string
	fields map[string]string
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

// Memory is an in-process Stream implementation with the same
// consumer-group delivery semantics as Redis Streams (at-least-once,
// pending-entries list, claim-by-idle-time). It exists so fastpath,
// workerpool, and recovery can be unit tested without a live Redis or
// miniredis instance, and it is also what Scenario tests in this module
// exercise directly.
type Memory struct {
	mu      sync.Mutex
	entries []entry
	seq     int64
	groups  map[string]*group
	maxLen  int64
}

type group struct {
	lastDelivered int // index into entries already handed out via ReadGroup/Claim
	pending       map[string]*pendingEntry
}

// NewMemory returns an empty in-memory stream. maxLen mirrors RedisStream's
// approximate retention bound (0 = unbounded).
func NewMemory(maxLen int64) *Memory {
	return &Memory{groups: make(map[string]*group), maxLen: maxLen}
}

func (m *Memory) EnsureGroup(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; !ok {
		m.groups[name] = &group{pending: make(map[string]*pendingEntry)}
	}
	return nil
}

func (m *Memory) Append(_ context.Context, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.entries = append(m.entries, entry{id: id, fields: cp})
	if m.maxLen > 0 && int64(len(m.entries)) > m.maxLen {
		trim := int64(len(m.entries)) - m.maxLen
		m.entries = m.entries[trim:]
	}
	return id, nil
}

func (m *Memory) ReadGroup(_ context.Context, groupName, consumer string, count int64, _ time.Duration) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(groupName)
	var out []Message
	for g.lastDelivered < len(m.entries) && int64(len(out)) < count {
		e := m.entries[g.lastDelivered]
		g.lastDelivered++
		g.pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: time.Now()}
		out = append(out, Message{ID: e.id, Fields: e.fields})
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, groupName string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(groupName)
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Claim(_ context.Context, groupName, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(groupName)

	byID := make(map[string]entry, len(m.entries))
	for _, e := range m.entries {
		byID[e.id] = e
	}

	var ids []string
	now := time.Now()
	for id, pe := range g.pending {
		if now.Sub(pe.deliveredAt) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if int64(len(ids)) > count {
		ids = ids[:count]
	}

	var out []Message
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			g.pending[id] = &pendingEntry{consumer: consumer, deliveredAt: now}
			out = append(out, Message{ID: e.id, Fields: e.fields})
		}
	}
	return out, nil
}

func (m *Memory) PendingSummary(_ context.Context, groupName string) (PendingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(groupName)

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := PendingSummary{Count: int64(len(ids))}
	if len(ids) > 0 {
		summary.Lowest = ids[0]
		summary.Highest = ids[len(ids)-1]
	}
	return summary, nil
}

func (m *Memory) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

// group returns (creating if necessary) the named group's state. Callers
// must hold m.mu.
func (m *Memory) group(name string) *group {
	g, ok := m.groups[name]
	if !ok {
		g = &group{pending: make(map[string]*pendingEntry)}
		m.groups[name] = g
	}
	return g
}
