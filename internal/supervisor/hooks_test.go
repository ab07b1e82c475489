package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingStore struct {
	*queue.Memory
	pingErr   error
	recovered int64
}

func (p *pingStore) Ping(context.Context) error { return p.pingErr }

func (p *pingStore) RecoverStale(context.Context) (int64, error) { return p.recovered, nil }

func TestDefaultHooks(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("memory store skips optional hooks", func(t *testing.T) {
		hooks := DefaultHooks(queue.NewMemory(), discardLogger())
		for _, name := range []string{HookLogConfig, HookPingQueue, HookRecoverStaleJobs} {
			require.Contains(t, hooks, name)
			assert.NoError(t, hooks[name](ctx, cfg), name)
		}
	})

	t.Run("ping failure", func(t *testing.T) {
		store := &pingStore{Memory: queue.NewMemory(), pingErr: errors.New("refused")}
		hooks := DefaultHooks(store, discardLogger())

		err := hooks[HookPingQueue](ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refused")
	})

	t.Run("recover stale jobs", func(t *testing.T) {
		store := &pingStore{Memory: queue.NewMemory(), recovered: 3}
		hooks := DefaultHooks(store, discardLogger())
		assert.NoError(t, hooks[HookRecoverStaleJobs](ctx, cfg))
	})
}
