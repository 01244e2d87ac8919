package store

import (
	"context"
	"sync"

	"github.com/classpeer/presence/internal/domain"
)

// Memory is an in-process Members for tests and single-node dev runs.
type Memory struct {
	mu   sync.Mutex
	sets map[domain.SessionID]map[domain.UserID]struct{}
}

func NewMemory() *Memory {
	return &Memory{sets: make(map[domain.SessionID]map[domain.UserID]struct{})}
}

func (m *Memory) Add(_ context.Context, sid domain.SessionID, uid domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[sid]
	if !ok {
		set = make(map[domain.UserID]struct{})
		m.sets[sid] = set
	}
	set[uid] = struct{}{}
	return nil
}

func (m *Memory) Remove(_ context.Context, sid domain.SessionID, uid domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[sid]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(m.sets, sid)
		}
	}
	return nil
}

func (m *Memory) List(_ context.Context, sid domain.SessionID) ([]domain.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[sid]
	out := make([]domain.UserID, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out, nil
}
