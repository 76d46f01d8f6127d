package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/capflow/internal/redistest"
	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/hints/handlers"
)

func TestStoreSharesBucketAcrossInstances(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()
	a, err := New(rdb, WithPrefix("test:shared:"))
	require.NoError(t, err)
	b, err := New(rdb, WithPrefix("test:shared:"))
	require.NoError(t, err)

	limit := handlers.Limit{Rate: 1, Burst: 2}
	ok, err := a.Allow(ctx, "k", limit, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Allow(ctx, "k", limit, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Allow(ctx, "k", limit, 0)
	require.NoError(t, err)
	assert.False(t, ok, "bucket is shared")

	require.NoError(t, a.Reset(ctx, "k"))
	ok, err = b.Allow(ctx, "k", limit, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreWaitsForToken(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()
	s, err := New(rdb, WithPrefix("test:wait:"))
	require.NoError(t, err)

	limit := handlers.Limit{Rate: 20, Burst: 1}
	ok, err := s.Allow(ctx, "k", limit, 0)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	ok, err = s.Allow(ctx, "k", limit, 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ok, err = s.Allow(ctx, "k", handlers.Limit{Rate: 0.1, Burst: 1}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "next token is due after the wait budget")
}

func TestStoreBacksRateLimitHandler(t *testing.T) {
	rdb := redistest.Client(t)
	s, err := New(rdb, WithPrefix("test:handler:"))
	require.NoError(t, err)
	reg := hints.NewRegistry()
	require.NoError(t, reg.Register(handlers.NewRateLimit(s)))
	exec := capability.ExecutorFunc(func(context.Context, *capability.Call) (any, error) { return "ok", nil })
	ec := hints.ExecutionContext{Ledger: chain.New(), Executor: exec}
	hs := hints.Hints{hints.KeyRateLimit: map[string]any{"requests-per-second": 0.5, "burst": 1}}
	call := &capability.Call{CapabilityID: "mail.send"}

	_, err = reg.Execute(context.Background(), call, hs, ec)
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), call, hs, ec)
	require.Error(t, err)
	assert.Equal(t, caperr.KindPolicyRejection, caperr.KindOf(err))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

func TestAllowRejectsInvalidLimits(t *testing.T) {
	t.Parallel()

	s := &Store{prefix: "x:", now: time.Now}
	_, err := s.Allow(context.Background(), "k", handlers.Limit{Rate: 0, Burst: 1}, 0)
	require.Error(t, err)
	_, err = s.Allow(context.Background(), "k", handlers.Limit{Rate: 1, Burst: 0}, 0)
	require.Error(t, err)
}
