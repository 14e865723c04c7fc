package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/types"
)

func awaitRole(t *testing.T, e *Election, want types.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-e.Roles():
			if r == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for role %s", want)
		}
	}
}

func TestFirstCampaignerBecomesLeader(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()

	e := New(client, "demo.app")
	require.NoError(t, e.Campaign(ctx))
	defer e.Stop()

	awaitRole(t, e, types.StateLeader)
	assert.True(t, e.IsLeader())
}

func TestSecondCampaignerStaysFollowerThenPromotes(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()

	leader := New(client, "demo.app")
	require.NoError(t, leader.Campaign(ctx))
	defer leader.Stop()
	awaitRole(t, leader, types.StateLeader)

	follower := New(client, "demo.app")
	require.NoError(t, follower.Campaign(ctx))
	defer follower.Stop()

	select {
	case r := <-follower.Roles():
		t.Fatalf("follower should not receive a role transition yet, got %s", r)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, follower.IsLeader())

	require.NoError(t, client.Delete(ctx, leader.myPath))

	awaitRole(t, follower, types.StateLeader)
	assert.True(t, follower.IsLeader())
}

func TestAtMostOneLeaderAmongThreeCampaigners(t *testing.T) {
	ctx := context.Background()
	client := coordination.NewFakeClient()

	var elections []*Election
	for i := 0; i < 3; i++ {
		e := New(client, "demo.app")
		require.NoError(t, e.Campaign(ctx))
		defer e.Stop()
		elections = append(elections, e)
	}

	awaitRole(t, elections[0], types.StateLeader)

	leaders := 0
	for _, e := range elections {
		if e.IsLeader() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}
