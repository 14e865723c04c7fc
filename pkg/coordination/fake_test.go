package coordination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClientEphemeralSequential(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient()
	require.NoError(t, c.EnsurePath(ctx, "/pods"))

	p1, err := c.CreateEphemeralSequential(ctx, "/pods/abc.", []byte("one"))
	require.NoError(t, err)
	p2, err := c.CreateEphemeralSequential(ctx, "/pods/abc.", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)

	children, err := c.Children(ctx, "/pods")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestFakeClientChildrenWatchFires(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient()
	require.NoError(t, c.EnsurePath(ctx, "/pods"))

	_, watch, err := c.ChildrenW(ctx, "/pods")
	require.NoError(t, err)

	_, err = c.CreateEphemeralSequential(ctx, "/pods/abc.", []byte("x"))
	require.NoError(t, err)

	select {
	case <-watch:
	default:
		t.Fatal("expected watch to fire")
	}
}

func TestFakeClientExistsWatchFiresOnDelete(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient()
	require.NoError(t, c.CreateEphemeral(ctx, "/lock/0000000001", nil))

	exists, watch, err := c.ExistsW(ctx, "/lock/0000000001")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "/lock/0000000001"))

	select {
	case <-watch:
	default:
		t.Fatal("expected exists watch to fire on delete")
	}
}

func TestFakeClientGetWFiresOnSet(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient()
	require.NoError(t, c.EnsurePath(ctx, "/cluster/hash"))

	data, watch, err := c.GetW(ctx, "/cluster/hash")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, c.Set(ctx, "/cluster/hash", []byte("abc123")))

	select {
	case <-watch:
	default:
		t.Fatal("expected data watch to fire on set")
	}
}

func TestFakeClientGetWRequiresExistingNode(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient()
	_, _, err := c.GetW(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestFakeClientSetRequiresExistingNode(t *testing.T) {
	ctx := context.Background()
	c := NewFakeClient()
	err := c.Set(ctx, "/missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNoNode)
}
