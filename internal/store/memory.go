package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vaheed/novaspace/pkg/types"
)

// maxMemoryEvents bounds the in-memory history per space.
const maxMemoryEvents = 500

type Memory struct {
	mu       sync.RWMutex
	statuses map[string]types.SpaceStatus
	events   map[string][]types.Event // space -> oldest first
	seen     map[string]bool
}

func NewMemory() *Memory {
	return &Memory{statuses: map[string]types.SpaceStatus{}, events: map[string][]types.Event{}, seen: map[string]bool{}}
}

func (m *Memory) Close(ctx context.Context) error  { return nil }
func (m *Memory) Health(ctx context.Context) error { return nil }

func (m *Memory) SaveStatuses(ctx context.Context, statuses []types.SpaceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range statuses {
		st.UpdatedAt = stamp(st.UpdatedAt)
		m.statuses[st.Name] = st
	}
	return nil
}

func (m *Memory) GetStatus(ctx context.Context, name string) (types.SpaceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	if !ok {
		return types.SpaceStatus{}, ErrNotFound
	}
	return st, nil
}

func (m *Memory) ListStatuses(ctx context.Context) ([]types.SpaceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.SpaceStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) AddEvents(ctx context.Context, evts []types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range evts {
		if e.ID != "" && m.seen[e.ID] {
			continue
		}
		if e.ID != "" {
			m.seen[e.ID] = true
		}
		e.TS = stamp(e.TS)
		list := append(m.events[e.Space], e)
		if len(list) > maxMemoryEvents {
			for _, dropped := range list[:len(list)-maxMemoryEvents] {
				delete(m.seen, dropped.ID)
			}
			list = list[len(list)-maxMemoryEvents:]
		}
		m.events[e.Space] = list
	}
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, space string, limit int) ([]types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.events[space]
	out := []types.Event{}
	for i := len(list) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, list[i])
	}
	return out, nil
}
