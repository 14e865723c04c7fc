package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartReportsZeroExit(t *testing.T) {
	p, err := Start([]string{"true"}, nil, "", false)
	require.NoError(t, err)

	select {
	case <-p.Exited():
		assert.Equal(t, 0, p.Result().Code)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStartReportsNonZeroExit(t *testing.T) {
	p, err := Start([]string{"false"}, nil, "", false)
	require.NoError(t, err)

	select {
	case <-p.Exited():
		assert.NotEqual(t, 0, p.Result().Code)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestTearDownKillsUnresponsiveProcess(t *testing.T) {
	p, err := Start([]string{"sleep", "30"}, nil, "", false)
	require.NoError(t, err)

	start := time.Now()
	p.TearDown(context.Background(), 50*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExitedFiresForEveryConcurrentWaiter(t *testing.T) {
	p, err := Start([]string{"sleep", "5"}, nil, "", false)
	require.NoError(t, err)

	// Mirrors lifecycle's watchChild and TearDown both waiting on the same
	// exit notification: neither may starve the other of it.
	tornDown := make(chan struct{})
	go func() {
		p.TearDown(context.Background(), time.Second)
		close(tornDown)
	}()

	select {
	case <-p.Exited():
		p.Result() // must not block or panic for a second, independent waiter
	case <-time.After(2 * time.Second):
		t.Fatal("watchChild-equivalent waiter never observed the exit")
	}

	select {
	case <-tornDown:
	case <-time.After(2 * time.Second):
		t.Fatal("TearDown never observed the exit")
	}
}
