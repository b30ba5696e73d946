package store

import (
	"context"
	"sync"
	"time"

	"github.com/msageha/toolgate/internal/model"
)

// MemoryTokenStore keeps confirmation tokens in a process-local map. This is
// the default store for a single-instance gateway.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]model.ConfirmToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]model.ConfirmToken)}
}

func (s *MemoryTokenStore) Put(_ context.Context, tok model.ConfirmToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Token] = tok
	return nil
}

func (s *MemoryTokenStore) Take(_ context.Context, token string) (model.ConfirmToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if !ok {
		return model.ConfirmToken{}, false, nil
	}
	delete(s.tokens, token)
	return tok, true, nil
}

func (s *MemoryTokenStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, tok := range s.tokens {
		if tok.Expired(now) {
			delete(s.tokens, k)
			removed++
		}
	}
	return removed, nil
}

// MemoryTaskStore keeps the task table in a process-local map, preserving
// enqueue order for fair reservation.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]model.Task
	order []string // execution IDs in enqueue order
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]model.Task)}
}

func (s *MemoryTaskStore) Enqueue(_ context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ExecutionID]; exists {
		return nil // duplicate enqueue absorbed
	}
	s.tasks[task.ExecutionID] = task
	s.order = append(s.order, task.ExecutionID)
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, executionID string) (model.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[executionID]
	return task, ok, nil
}

func (s *MemoryTaskStore) Update(_ context.Context, task model.Task, expectLease string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[task.ExecutionID]
	if !ok {
		return ErrNotFound
	}
	stored := ""
	if current.LeaseID != nil {
		stored = *current.LeaseID
	}
	if stored != expectLease {
		return ErrLeaseConflict
	}
	s.tasks[task.ExecutionID] = task
	return nil
}

func (s *MemoryTaskStore) ListReservable(_ context.Context, workspaceID string, limit int, now time.Time) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, id := range s.order {
		task := s.tasks[id]
		if workspaceID != "" && task.WorkspaceID != workspaceID {
			continue
		}
		if !reservable(&task, now) {
			continue
		}
		out = append(out, task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) ListLeasedBy(_ context.Context, clientID string) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, id := range s.order {
		task := s.tasks[id]
		if model.IsTerminal(task.Status) {
			continue
		}
		if task.LeaseOwner != nil && *task.LeaseOwner == clientID {
			out = append(out, task)
		}
	}
	return out, nil
}

func reservable(task *model.Task, now time.Time) bool {
	if model.IsTerminal(task.Status) {
		return false
	}
	if task.Status == model.StatusPending {
		return true
	}
	return task.LeaseExpired(now)
}
