package resources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/eventide/pkg/api"
)

// MemorySearchIndex is a naive full-text index. A query matches a document
// when every whitespace-separated term occurs in one of its string fields,
// ignoring case. A "field:value" term only looks at that field.
type MemorySearchIndex struct {
	mu      sync.Mutex
	indexes map[string]map[string]map[string]any
}

func NewMemorySearchIndex() *MemorySearchIndex {
	return &MemorySearchIndex{indexes: make(map[string]map[string]map[string]any)}
}

func (s *MemorySearchIndex) Execute(ctx context.Context, q api.SearchQuery) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.indexes[q.Index]
	if docs == nil {
		docs = make(map[string]map[string]any)
		s.indexes[q.Index] = docs
	}

	switch q.Op {
	case api.SearchIndex:
		doc := make(map[string]any, len(q.Document))
		for k, v := range q.Document {
			doc[k] = v
		}
		docs[q.ID] = doc
		return nil, nil

	case api.SearchDelete:
		delete(docs, q.ID)
		return nil, nil

	case api.SearchQueryOp:
		terms := strings.Fields(strings.ToLower(q.Query))
		ids := make([]string, 0, len(docs))
		for id, doc := range docs {
			if matchesAll(doc, terms) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		if q.Limit > 0 && len(ids) > q.Limit {
			ids = ids[:q.Limit]
		}
		res := api.SearchResult{Hits: make([]api.SearchHit, 0, len(ids))}
		for _, id := range ids {
			res.Hits = append(res.Hits, api.SearchHit{ID: id, Document: docs[id]})
		}
		return res, nil
	}
	return nil, fmt.Errorf("search op %q: %w", q.Op, ErrUnknownOperation)
}

func matchesAll(doc map[string]any, terms []string) bool {
	for _, term := range terms {
		field, value, scoped := strings.Cut(term, ":")
		if !scoped {
			value = term
		}
		found := false
		for k, v := range doc {
			if scoped && strings.ToLower(k) != field {
				continue
			}
			if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
