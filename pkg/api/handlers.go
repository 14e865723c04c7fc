package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/cuemby/podkeeper/pkg/lifecycle"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/types"
)

// controlPayload mirrors the body the Reconciliation Driver sends with
// every /control/<task> call: the pruned member list, the dependency
// snapshot, and this pod's own identity within it.
type controlPayload struct {
	Pods         map[string]*types.Descriptor            `json:"pods"`
	Dependencies map[string]map[string]*types.Descriptor `json:"dependencies"`
	Key          string                                  `json:"key"`
}

func decodeCluster(r *http.Request) (*types.Cluster, error) {
	var p controlPayload
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	snap := &types.Snapshot{Pods: p.Pods, Dependencies: p.Dependencies}
	if snap.Pods == nil {
		snap.Pods = map[string]*types.Descriptor{}
	}
	if snap.Dependencies == nil {
		snap.Dependencies = map[string]map[string]*types.Descriptor{}
	}
	return types.NewCluster(p.Key, snap), nil
}

// handleInfo backs POST /info: a filtered subset of the registered
// descriptor plus the live process/state, restricted to a fixed field
// allowlist (application, ip, metrics, node, port, ports, process,
// public, state, status, task).
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	d := s.registry.Descriptor()
	d.Process = s.lifecycle.Process()
	d.Metrics = s.lifecycle.Metrics()

	if d.Process == types.ProcessDead || d.Process == types.ProcessFailed {
		writeJSON(w, http.StatusGone, map[string]any{})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"application": d.Application,
		"ip":          d.IP,
		"metrics":     d.Metrics,
		"node":        d.Node,
		"port":        d.Port,
		"ports":       d.Ports,
		"process":     d.Process,
		"public":      d.Public,
		"state":       d.State,
		"status":      d.Status,
		"task":        d.Task,
	})
}

// handleLog backs POST /log: dumps the process's circular log tail.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"lines": log.Buffer.Lines()})
}

// handleReset backs POST /reset: forces a coordination reconnect and
// re-registration, leaving the supervised subprocess untouched.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.resetter != nil {
		if err := s.resetter.Reset(r.Context()); err != nil {
			log.WithComponent("api").Warn().Err(err).Msg("reset failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleControlOn(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cluster, err := decodeCluster(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{})
		return
	}
	if err := s.lifecycle.On(r.Context(), cluster); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": string(s.lifecycle.Process())})
}

func (s *Server) handleControlOff(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.lifecycle.Off(r.Context()); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": string(s.lifecycle.Process())})
}

func (s *Server) handleControlCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cluster, err := decodeCluster(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{})
		return
	}
	if err := s.lifecycle.Check(cluster); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleControlKill(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.lifecycle.Kill(r.Context()); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": string(s.lifecycle.Process())})
}

// handleControlSignal backs the supplemented POST /control/signal escape
// hatch: arbitrary JSON forwarded to the hook's Signaled method.
func (s *Server) handleControlSignal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var js map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&js); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]any{})
			return
		}
	}

	reply, err := s.lifecycle.Signal(js)
	if err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("signal handler failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// writeControlError maps a lifecycle error onto the REST surface's status
// codes: a RejectedError is the hook's veto (406), everything else is an
// internal failure.
func writeControlError(w http.ResponseWriter, err error) {
	if _, ok := err.(*lifecycle.RejectedError); ok {
		writeJSON(w, http.StatusNotAcceptable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}
