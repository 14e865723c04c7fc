// Package api implements C9: the pod's control HTTP server. The route
// set (/info's field allowlist, /log's buffer dump, /reset, and the
// generic /control/<task> dispatch) is served through httprouter as a
// small JSON-over-HTTP control API: a router plus typed handlers, no RPC
// stubs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/cuemby/podkeeper/pkg/lifecycle"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/metrics"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
)

// Resetter re-establishes the coordination session and re-registers the
// pod: an externally triggered forced reconnect that never touches the
// supervised subprocess.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Server serves the pod's control port: the REST surface plus the
// operational routes (/metrics, /healthz).
type Server struct {
	registry  *registry.Registry
	lifecycle *lifecycle.Lifecycle
	resetter  Resetter

	router *httprouter.Router
	http   *http.Server
}

// New wires a control server around the pod's registry and lifecycle.
func New(reg *registry.Registry, lc *lifecycle.Lifecycle, resetter Resetter) *Server {
	s := &Server{registry: reg, lifecycle: lc, resetter: resetter}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the routed mux for embedding or testing without binding
// a socket.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe binds addr and blocks until the server is shut down.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("control server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) buildRouter() *httprouter.Router {
	r := httprouter.New()

	r.POST("/info", s.handleInfo)
	r.POST("/log", s.handleLog)
	r.POST("/reset", s.handleReset)
	// /control/on is exempt: a FAILED pod must still accept it to reattempt
	// configuration. None of the /control/* routes are documented as
	// returning 410 - only /info is - so the gate on the rest exists only
	// to stop a dead pod's teardown path from un-deading it, not to mirror
	// an HTTP contract.
	r.POST("/control/on", s.handleControlOn)
	r.POST("/control/off", s.requireAlive(s.handleControlOff))
	r.POST("/control/check", s.requireAlive(s.handleControlCheck))
	r.POST("/control/kill", s.requireAlive(s.handleControlKill))
	r.POST("/control/signal", s.requireAlive(s.handleControlSignal))

	r.GET("/metrics", wrapHandler(metrics.Handler()))
	r.GET("/healthz", wrapHandlerFunc(metrics.LivenessHandler()))

	return r
}

// requireAlive stops teardown/kill/check/signal RPCs from running once the
// pod is DEAD or FAILED, since teardownLocked unconditionally resets the
// phase to idle and would otherwise erase Kill's terminal state.
func (s *Server) requireAlive(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		switch s.lifecycle.Process() {
		case types.ProcessDead, types.ProcessFailed:
			writeJSON(w, http.StatusGone, map[string]any{})
			return
		}
		next(w, r, p)
	}
}

func wrapHandler(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) { h.ServeHTTP(w, r) }
}

func wrapHandlerFunc(h http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) { h(w, r) }
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
