// Package testutil starts the database containers used by the backend test
// suites. A container is started at most once per test binary and is removed
// by the testcontainers reaper when the binary exits.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const startTimeout = 3 * time.Minute

// shared is a container started on first use and reused by later tests.
type shared struct {
	once sync.Once
	addr string
	err  error
}

func (s *shared) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skip("container test")
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		s.addr, s.err = start(ctx)
	})
	require.NoError(t, s.err, "start container")
	return s.addr
}
