package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podkeeper/pkg/types"
)

type fakeHook struct {
	command      []string
	configureErr error
	checkErr     error
}

func (f *fakeHook) Configure(cluster *types.Cluster) ([]string, map[string]string, error) {
	if f.configureErr != nil {
		return nil, nil, f.configureErr
	}
	return f.command, nil, nil
}

func (f *fakeHook) CanConfigure(cluster *types.Cluster) error { return f.checkErr }

func emptyCluster() *types.Cluster {
	return &types.Cluster{Dependencies: map[string]map[string]*types.Descriptor{}}
}

func TestOnStartsChildAndReachesRunning(t *testing.T) {
	hook := &fakeHook{command: []string{"sleep", "5"}}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	require.NoError(t, l.On(context.Background(), emptyCluster()))
	assert.Equal(t, PhaseRunning, l.Phase())
	assert.Equal(t, types.ProcessRunning, l.Process())
}

func TestCheckRejectionReturnsRejectedError(t *testing.T) {
	hook := &fakeHook{command: []string{"true"}, checkErr: errors.New("not ready")}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	err := l.Check(emptyCluster())
	require.Error(t, err)
	assert.IsType(t, &RejectedError{}, err)
}

func TestConfigureFailureMarksFailed(t *testing.T) {
	hook := &fakeHook{configureErr: errors.New("boom")}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	err := l.On(context.Background(), emptyCluster())
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, l.Phase())
	assert.Equal(t, types.ProcessFailed, l.Process())
}

func TestOffTearsDownRunningChild(t *testing.T) {
	hook := &fakeHook{command: []string{"sleep", "5"}}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	require.NoError(t, l.On(context.Background(), emptyCluster()))
	require.NoError(t, l.Off(context.Background()))
	assert.Equal(t, PhaseIdle, l.Phase())
	assert.Equal(t, types.ProcessStopped, l.Process())
}

func TestKillReachesDeadPermanently(t *testing.T) {
	hook := &fakeHook{command: []string{"sleep", "5"}}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	require.NoError(t, l.On(context.Background(), emptyCluster()))
	require.NoError(t, l.Kill(context.Background()))
	assert.Equal(t, PhaseDead, l.Phase())
	assert.Equal(t, types.ProcessDead, l.Process())
}

func TestCleanExitTransitionsToDead(t *testing.T) {
	hook := &fakeHook{command: []string{"true"}}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	require.NoError(t, l.On(context.Background(), emptyCluster()))

	require.Eventually(t, func() bool {
		return l.Phase() == PhaseDead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOffOnIdleIsANoOp(t *testing.T) {
	hook := &fakeHook{command: []string{"sleep", "5"}}
	l := New(hook, Config{Grace: time.Second, CheckEvery: time.Hour})
	defer l.Stop()

	require.NoError(t, l.Off(context.Background()))
	assert.Equal(t, PhaseIdle, l.Phase())
}
