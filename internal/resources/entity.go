package resources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/eventide/pkg/api"
)

const defaultListLimit = 100

// MemoryEntityStore is a versioned key/value store. Every successful Set
// increments the entry's version; ExpectedVersion makes writes conditional.
type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[string]map[string]api.EntityValue
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]map[string]api.EntityValue)}
}

func (s *MemoryEntityStore) Execute(ctx context.Context, op api.EntityOperation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entities[op.Entity]
	if entries == nil {
		entries = make(map[string]api.EntityValue)
		s.entities[op.Entity] = entries
	}
	current, exists := entries[op.Key]

	switch op.Op {
	case api.EntityGet:
		if !exists {
			return nil, fmt.Errorf("entity %s/%s: %w", op.Entity, op.Key, ErrNotFound)
		}
		return current, nil

	case api.EntitySet:
		if err := checkVersion(op, current.Version, exists); err != nil {
			return nil, err
		}
		next := api.EntityValue{Key: op.Key, Value: op.Value, Version: current.Version + 1}
		entries[op.Key] = next
		return next, nil

	case api.EntityDelete:
		if err := checkVersion(op, current.Version, exists); err != nil {
			return nil, err
		}
		delete(entries, op.Key)
		return nil, nil

	case api.EntityList:
		keys := make([]string, 0, len(entries))
		for k := range entries {
			if strings.HasPrefix(k, op.Prefix) && k > op.NextToken {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return listPage(keys, op.Limit, func(k string) api.EntityValue { return entries[k] }), nil
	}
	return nil, fmt.Errorf("entity op %q: %w", op.Op, ErrUnknownOperation)
}

// checkVersion enforces ExpectedVersion. Version 0 means the key must not
// exist.
func checkVersion(op api.EntityOperation, version int64, exists bool) error {
	if op.ExpectedVersion == nil {
		return nil
	}
	want := *op.ExpectedVersion
	if (want == 0 && exists) || (want != 0 && (!exists || version != want)) {
		return fmt.Errorf("entity %s/%s: expected version %d, have %d: %w", op.Entity, op.Key, want, version, ErrVersionConflict)
	}
	return nil
}

func listPage(keys []string, limit int, get func(string) api.EntityValue) api.EntityListResult {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var res api.EntityListResult
	for i, k := range keys {
		if i == limit {
			res.NextToken = keys[i-1]
			break
		}
		res.Entries = append(res.Entries, get(k))
	}
	return res
}
