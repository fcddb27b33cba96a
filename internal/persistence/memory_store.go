package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

type claimKey struct {
	executionID string
	seq, retry  int
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a goroutine-safe Store backed by maps.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*api.Execution
	history    map[string][]api.WorkflowEvent
	claims     map[claimKey]struct{}
	leases     map[string]memoryLease
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]*api.Execution),
		history:    make(map[string][]api.WorkflowEvent),
		claims:     make(map[claimKey]struct{}),
		leases:     make(map[string]memoryLease),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return ErrExecutionAlreadyExists
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, t StatusTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[t.ExecutionID]
	if !ok {
		return ErrExecutionNotFound
	}
	switch exec.Status {
	case t.From:
	case t.To:
		return nil
	default:
		return ErrStatusConflict
	}

	exec.Status = t.To
	exec.EndTime = t.EndTime
	exec.Result = t.Result
	exec.Error = t.Error
	exec.Message = t.Message
	return nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) (api.ExecutionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.executions))
	for id := range s.executions {
		if id > filter.NextToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	limit := pageSize(filter)
	var page api.ExecutionPage
	for _, id := range ids {
		exec := s.executions[id]
		if !filter.Matches(exec) {
			continue
		}
		if len(page.Executions) == limit {
			page.NextToken = page.Executions[limit-1].ID
			break
		}
		page.Executions = append(page.Executions, cloneExecution(exec))
	}
	return page, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.leases[executionID]
	if ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.leases[executionID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[executionID]
	if !ok || cur.owner != owner {
		return ErrLeaseHeld
	}
	cur.expiresAt = time.Now().Add(ttl)
	s.leases[executionID] = cur
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[executionID]
	if !ok {
		return nil
	}
	if cur.owner != owner {
		return ErrLeaseHeld
	}
	delete(s.leases, executionID)
	return nil
}

func (s *InMemoryStore) GetEvents(ctx context.Context, executionID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[executionID]
	out := make([]api.WorkflowEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, executionID string, events []api.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[executionID] = append(s.history[executionID], events...)
	return nil
}

func (s *InMemoryStore) ClaimTask(ctx context.Context, executionID string, seq, retry int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := claimKey{executionID: executionID, seq: seq, retry: retry}
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	s.claims[key] = struct{}{}
	return true, nil
}
