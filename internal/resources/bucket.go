package resources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// MemoryBucket is an in-memory object store.
type MemoryBucket struct {
	mu      sync.Mutex
	buckets map[string]map[string]api.BucketObject
	now     func() time.Time
}

func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{
		buckets: make(map[string]map[string]api.BucketObject),
		now:     time.Now,
	}
}

func (b *MemoryBucket) Execute(ctx context.Context, op api.BucketOperation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	objects := b.buckets[op.Bucket]
	if objects == nil {
		objects = make(map[string]api.BucketObject)
		b.buckets[op.Bucket] = objects
	}

	switch op.Op {
	case api.BucketGet:
		obj, ok := objects[op.Key]
		if !ok {
			return nil, fmt.Errorf("object %s/%s: %w", op.Bucket, op.Key, ErrNotFound)
		}
		obj.Data = append([]byte(nil), obj.Data...)
		return obj, nil

	case api.BucketPut:
		sum := sha256.Sum256(op.Data)
		obj := api.BucketObject{
			Key:          op.Key,
			Data:         append([]byte(nil), op.Data...),
			ETag:         hex.EncodeToString(sum[:8]),
			LastModified: b.now(),
		}
		objects[op.Key] = obj
		return api.BucketObject{Key: obj.Key, ETag: obj.ETag, LastModified: obj.LastModified}, nil

	case api.BucketDelete:
		delete(objects, op.Key)
		return nil, nil

	case api.BucketList:
		var res api.BucketListResult
		for k := range objects {
			if strings.HasPrefix(k, op.Prefix) {
				res.Keys = append(res.Keys, k)
			}
		}
		sort.Strings(res.Keys)
		return res, nil
	}
	return nil, fmt.Errorf("bucket op %q: %w", op.Op, ErrUnknownOperation)
}
