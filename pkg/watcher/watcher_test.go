package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
)

func putPod(t *testing.T, ctx context.Context, client coordination.Client, cluster string, d *types.Descriptor) {
	t.Helper()
	prefix := registry.Root + "/" + cluster
	require.NoError(t, client.EnsurePath(ctx, prefix+"/pods"))
	require.NoError(t, client.EnsurePath(ctx, prefix+"/hash"))
	data, err := json.Marshal(d)
	require.NoError(t, err)
	_, err = client.CreateEphemeralSequential(ctx, prefix+"/pods/pod-", data)
	require.NoError(t, err)
}

func TestWatcherSignalsSweepAfterDamper(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()
	putPod(t, ctx, client, "demo.app", &types.Descriptor{UUID: "u1", Cluster: "demo.app"})

	w := New(client, "demo.app", nil, 30*time.Millisecond)
	go w.Run(ctx)
	defer w.Stop()

	select {
	case snap := <-w.Sweeps():
		require.Len(t, snap.Pods, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sweep signal")
	}
}

func TestWatcherCancelsSweepWhenHashReverts(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()
	putPod(t, ctx, client, "demo.app", &types.Descriptor{UUID: "u1", Cluster: "demo.app"})

	w := New(client, "demo.app", nil, time.Hour)
	require.NoError(t, w.tick(ctx))

	w.mu.Lock()
	dirtyAfterFirstTick := w.dirty
	w.mu.Unlock()
	require.True(t, dirtyAfterFirstTick)

	require.NoError(t, client.Set(ctx, registry.Root+"/demo.app/hash", []byte(w.lastSig)))
	require.NoError(t, w.tick(ctx))

	w.mu.Lock()
	defer w.mu.Unlock()
	require.False(t, w.dirty)
}

func TestRunProbeSkipsWhileDirty(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()
	putPod(t, ctx, client, "demo.app", &types.Descriptor{UUID: "u1", Cluster: "demo.app"})

	calls := 0
	w := New(client, "demo.app", nil, time.Hour)
	w.WithProbe(func(*types.Cluster) (string, error) {
		calls++
		return "healthy", nil
	}, time.Millisecond, nil)

	require.NoError(t, w.tick(ctx))
	w.mu.Lock()
	require.True(t, w.dirty)
	w.mu.Unlock()

	w.runProbe()
	require.Equal(t, 0, calls, "probe should not run while the cluster is dirty")
}

func TestRunProbeReportsStatusWhenConfigured(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()
	putPod(t, ctx, client, "demo.app", &types.Descriptor{UUID: "u1", Cluster: "demo.app"})

	w := New(client, "demo.app", nil, time.Hour)
	require.NoError(t, w.tick(ctx))
	require.NoError(t, client.Set(ctx, registry.Root+"/demo.app/hash", []byte(w.lastSig)))
	require.NoError(t, w.tick(ctx))
	w.mu.Lock()
	require.False(t, w.dirty)
	w.mu.Unlock()

	var gotStatus string
	var gotErr error
	w.WithProbe(func(c *types.Cluster) (string, error) {
		require.Equal(t, "demo.app", c.Key)
		return "healthy", nil
	}, time.Millisecond, func(status string, err error) {
		gotStatus, gotErr = status, err
	})

	w.runProbe()
	require.NoError(t, gotErr)
	require.Equal(t, "healthy", gotStatus)
}

func TestRunReactsToMembershipWatchWithoutPolling(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()
	require.NoError(t, client.EnsurePath(ctx, registry.Root+"/demo.app/pods"))
	require.NoError(t, client.EnsurePath(ctx, registry.Root+"/demo.app/hash"))
	emptySig := Hash(&types.Snapshot{Pods: map[string]*types.Descriptor{}, Dependencies: map[string]map[string]*types.Descriptor{}})
	require.NoError(t, client.Set(ctx, registry.Root+"/demo.app/hash", []byte(emptySig)))

	w := New(client, "demo.app", nil, 20*time.Millisecond)
	go w.Run(ctx)
	defer w.Stop()
	time.Sleep(10 * time.Millisecond) // let the membership watch register

	// The cluster's initial tick lines up with the pre-seeded hash, so it
	// starts clean; adding a pod must fire the ChildrenW watch rather than
	// wait on any ticker.
	putPod(t, ctx, client, "demo.app", &types.Descriptor{UUID: "u1", Cluster: "demo.app"})

	select {
	case snap := <-w.Sweeps():
		require.Len(t, snap.Pods, 1)
	case <-time.After(time.Second):
		t.Fatal("expected membership watch to drive a sweep signal")
	}
}

func TestRunReactsToDependencyHashWatch(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()
	require.NoError(t, client.EnsurePath(ctx, registry.Root+"/demo.app/pods"))
	require.NoError(t, client.EnsurePath(ctx, registry.Root+"/demo.app/hash"))
	require.NoError(t, client.EnsurePath(ctx, registry.Root+"/demo.db/pods"))
	require.NoError(t, client.EnsurePath(ctx, registry.Root+"/demo.db/hash"))
	emptySig := Hash(&types.Snapshot{
		Pods:         map[string]*types.Descriptor{},
		Dependencies: map[string]map[string]*types.Descriptor{"demo.db": {}},
	})
	require.NoError(t, client.Set(ctx, registry.Root+"/demo.app/hash", []byte(emptySig)))

	w := New(client, "demo.app", []string{"demo.db"}, 20*time.Millisecond)
	go w.Run(ctx)
	defer w.Stop()
	time.Sleep(10 * time.Millisecond) // let the dependency-hash watch register

	// demo.db gaining a member updates its own hash; the leader never
	// re-lists demo.db's pods except in reaction to that hash watch firing.
	require.NoError(t, client.Set(ctx, registry.Root+"/demo.db/hash", []byte("changed")))
	putPod(t, ctx, client, "demo.db", &types.Descriptor{UUID: "d1", Cluster: "demo.db"})

	select {
	case snap := <-w.Sweeps():
		require.Len(t, snap.Dependencies["demo.db"], 1)
	case <-time.After(time.Second):
		t.Fatal("expected dependency hash watch to drive a sweep signal")
	}
}

func TestWatchLoopBacksOffWhenNodeMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := coordination.NewFakeClient()

	w := New(client, "demo.app", nil, time.Hour)
	done := make(chan struct{})
	go func() {
		w.watchDependencyHash(ctx, "absent.dep", func() {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchLoop should return once ctx is cancelled, even mid-backoff")
	}
}

func TestHashIsOrderIndependent(t *testing.T) {
	snapA := &types.Snapshot{
		Pods: map[string]*types.Descriptor{
			"a": {UUID: "1"},
			"b": {UUID: "2"},
		},
	}
	snapB := &types.Snapshot{
		Pods: map[string]*types.Descriptor{
			"b": {UUID: "2"},
			"a": {UUID: "1"},
		},
	}
	require.Equal(t, Hash(snapA), Hash(snapB))
}
