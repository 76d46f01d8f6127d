package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecute(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	require.NoError(t, l.Register("math.add", func(_ context.Context, args []any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}))

	out, err := l.Execute(context.Background(), &Call{CapabilityID: "math.add", Args: []any{2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	_, err = l.Execute(context.Background(), &Call{CapabilityID: "math.sub"})
	require.ErrorIs(t, err, ErrUnknownCapability)
}

func TestLocalRegisterValidation(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	require.Error(t, l.Register("", func(context.Context, []any) (any, error) { return nil, nil }))
	require.Error(t, l.Register("x", nil))
	require.NoError(t, l.Register("b", func(context.Context, []any) (any, error) { return nil, nil }))
	require.NoError(t, l.Register("a", func(context.Context, []any) (any, error) { return nil, nil }))
	assert.Equal(t, []Ident{"a", "b"}, l.Capabilities())
}

func TestLocalExecuteHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	called := false
	require.NoError(t, l.Register("x", func(context.Context, []any) (any, error) {
		called = true
		return nil, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Execute(ctx, &Call{CapabilityID: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCallClone(t *testing.T) {
	t.Parallel()

	c := &Call{CapabilityID: "a", Args: []any{1}, Metadata: map[string]any{"k": "v"}}
	cp := c.WithCapability("b")
	cp.Args[0] = 2
	cp.Metadata["k"] = "w"
	assert.Equal(t, Ident("a"), c.CapabilityID)
	assert.Equal(t, 1, c.Args[0])
	assert.Equal(t, "v", c.Metadata["k"])
	assert.Equal(t, Ident("b"), cp.CapabilityID)
}
