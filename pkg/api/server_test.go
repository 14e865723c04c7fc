package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/lifecycle"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
)

type fakeHook struct {
	checkErr error
}

func (f *fakeHook) Configure(cluster *types.Cluster) ([]string, map[string]string, error) {
	return []string{"sleep", "5"}, nil, nil
}

func (f *fakeHook) CanConfigure(cluster *types.Cluster) error { return f.checkErr }

func (f *fakeHook) Signaled(js map[string]any, pid int) (map[string]any, error) {
	return map[string]any{"echo": js, "pid": pid}, nil
}

type fakeResetter struct{ called bool }

func (f *fakeResetter) Reset(ctx context.Context) error {
	f.called = true
	return nil
}

func newTestServer(t *testing.T, hook *fakeHook) (*Server, *lifecycle.Lifecycle) {
	client := coordination.NewFakeClient()
	reg := registry.New(client, "demo.app", &types.Descriptor{UUID: "u1", Application: "demo", Task: "app"})
	_, err := reg.Register(context.Background())
	require.NoError(t, err)

	lc := lifecycle.New(hook, lifecycle.Config{Grace: time.Second, CheckEvery: time.Hour})
	t.Cleanup(lc.Stop)

	return New(reg, lc, &fakeResetter{}), lc
}

func TestInfoReturnsAllowlistedFields(t *testing.T) {
	s, _ := newTestServer(t, &fakeHook{})

	req := httptest.NewRequest(http.MethodPost, "/info", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "demo", body["application"])
	assert.Equal(t, "stopped", body["process"])
	assert.NotContains(t, body, "uuid")
}

func TestControlOnStartsChildAndReturnsRunning(t *testing.T) {
	s, _ := newTestServer(t, &fakeHook{})

	body := strings.NewReader(`{"pods":{},"dependencies":{},"key":"demo.app#0"}`)
	req := httptest.NewRequest(http.MethodPost, "/control/on", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "running", resp["state"])
}

func TestControlCheckRejectionReturns406(t *testing.T) {
	s, _ := newTestServer(t, &fakeHook{checkErr: assertError{}})

	req := httptest.NewRequest(http.MethodPost, "/control/check", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotAcceptable, w.Code)
}

func TestControlRoutesReturn410OnceDead(t *testing.T) {
	s, lc := newTestServer(t, &fakeHook{})
	require.NoError(t, lc.On(context.Background(), &types.Cluster{}))
	require.NoError(t, lc.Kill(context.Background()))

	req := httptest.NewRequest(http.MethodPost, "/control/off", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusGone, w.Code)
}

func TestControlOnReattemptsConfigurationAfterDead(t *testing.T) {
	s, lc := newTestServer(t, &fakeHook{})
	require.NoError(t, lc.On(context.Background(), &types.Cluster{}))
	require.NoError(t, lc.Kill(context.Background()))
	require.Equal(t, types.ProcessDead, lc.Process())

	body := strings.NewReader(`{"pods":{},"dependencies":{},"key":"demo.app#0"}`)
	req := httptest.NewRequest(http.MethodPost, "/control/on", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "running", resp["state"])
}

func TestResetInvokesResetter(t *testing.T) {
	s, _ := newTestServer(t, &fakeHook{})
	resetter := s.resetter.(*fakeResetter)

	req := httptest.NewRequest(http.MethodPost, "/reset", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resetter.called)
}

func TestControlSignalForwardsToHook(t *testing.T) {
	s, _ := newTestServer(t, &fakeHook{})

	req := httptest.NewRequest(http.MethodPost, "/control/signal", strings.NewReader(`{"ping":true}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotNil(t, resp["echo"])
}

type assertError struct{}

func (assertError) Error() string { return "rejected" }
