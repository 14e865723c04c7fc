// Package reconciler implements C6: the leader-only four-phase sweep that
// brings a cluster's members up to date with the latest snapshot: the
// check/off/on/ok phase sequence, dead-pod pruning from a 410 response,
// sequential-vs-parallel fan-out, and a fire-and-forget /control/ok post
// after Phase C.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
	"github.com/cuemby/podkeeper/pkg/watcher"
)

// checkTimeout bounds every Phase A call to the leader-to-peer HTTP
// ceiling of 30s.
const checkTimeout = 30 * time.Second

// Config carries the per-cluster lifecycle settings that shape a sweep,
// all sourced from the hook's Reactive/Piped declaration.
type Config struct {
	PortKey    string
	Damper     time.Duration
	Grace      time.Duration
	Sequential bool
}

// Outcome records what a Sweep call did, for logging and metrics.
type Outcome struct {
	Committed bool
	Reason    string
	Hash      string
	Members   int
}

// Reason values, also used as the podagent_sweeps_total{result} label.
const (
	ReasonCommitted       = "committed"
	ReasonAbortedProbe    = "aborted_probe"
	ReasonAbortedPeer     = "aborted_peer"
	ReasonAbortedLockLost = "aborted_lock_lost"
)

// PortNotExposedError is returned when one or more members don't expose
// the cluster's declared control port.
type PortNotExposedError struct{ Cluster string }

func (e *PortNotExposedError) Error() string {
	return "reconciler: 1+ pods in " + e.Cluster + " not exposing the control port"
}

// Reconciler drives sweeps for one cluster.
type Reconciler struct {
	client  coordination.Client
	cluster string
	http    *http.Client
}

// New creates a reconciler for cluster.
func New(client coordination.Client, cluster string) *Reconciler {
	return &Reconciler{
		client:  client,
		cluster: cluster,
		http:    &http.Client{},
	}
}

type member struct {
	key  string
	desc *types.Descriptor
	url  string
}

// Sweep runs the four phases against snap, which must be the snapshot
// fixed at the watcher's Phase A start; it is never re-read mid-sweep.
func (r *Reconciler) Sweep(ctx context.Context, snap *types.Snapshot, cfg Config) (*Outcome, error) {
	logger := log.WithComponent("reconciler")

	members, err := orderedMembers(snap.Pods, cfg.PortKey)
	if err != nil {
		return nil, err
	}

	payload := func(remaining []member, key string, index int) []byte {
		pods := make(map[string]*types.Descriptor, len(remaining))
		for _, m := range remaining {
			pods[m.key] = m.desc
		}
		body, _ := json.Marshal(map[string]any{
			"pods":         pods,
			"dependencies": snap.Dependencies,
			"key":          key,
			"index":        index,
		})
		return body
	}

	// Phase A: probe.
	codes := r.fanout(ctx, members, "check", payload, cfg.Sequential, checkTimeout)

	remaining := make([]member, 0, len(members))
	for _, m := range members {
		code := codes[m.key]
		switch code {
		case http.StatusOK:
			remaining = append(remaining, m)
		case http.StatusGone:
			logger.Info().Str("pod", m.key).Msg("dropping dead pod before sweep")
		case http.StatusNotAcceptable:
			logger.Warn().Str("pod", m.key).Msg("pod rejected probe, aborting sweep")
			return &Outcome{Reason: ReasonAbortedProbe, Members: len(members)}, nil
		default:
			logger.Warn().Str("pod", m.key).Int("code", code).Msg("pod failed probe, aborting sweep")
			return &Outcome{Reason: ReasonAbortedPeer, Members: len(members)}, nil
		}
	}

	if len(remaining) > 0 {
		// Phase B: tear-down. Every surviving member is stopped before
		// being reconfigured, regardless of FullShutdown - that flag
		// (pkg/lifecycle.Config.FullShutdown) only makes a pod's agent exit
		// after its own /control/off, not whether this phase runs at all.
		offCodes := r.fanout(ctx, remaining, "off", payload, cfg.Sequential, cfg.Grace)
		for _, m := range remaining {
			if offCodes[m.key] != http.StatusOK {
				logger.Warn().Str("pod", m.key).Msg("pod failed to tear down, aborting sweep")
				return &Outcome{Reason: ReasonAbortedPeer, Members: len(remaining)}, nil
			}
		}

		// Phase C: configure-and-run.
		onCodes := r.fanout(ctx, remaining, "on", payload, cfg.Sequential, 10*cfg.Damper)
		for _, m := range remaining {
			if onCodes[m.key] != http.StatusOK {
				logger.Warn().Str("pod", m.key).Msg("pod failed to configure, aborting sweep")
				return &Outcome{Reason: ReasonAbortedPeer, Members: len(remaining)}, nil
			}
		}

		// Fire-and-forget POST /control/ok to every member, result ignored.
		// pkg/api serves no /control/ok route; a hook's Configured callback
		// runs from lifecycle.On instead.
		go r.fanout(context.Background(), remaining, "ok", payload, false, checkTimeout)
	}

	pruned := &types.Snapshot{
		Pods:         map[string]*types.Descriptor{},
		Dependencies: snap.Dependencies,
	}
	for _, m := range remaining {
		pruned.Pods[m.key] = m.desc
	}

	hash := watcher.Hash(pruned)
	hashPath := registry.Root + "/" + r.cluster + "/hash"
	statePath := registry.Root + "/" + r.cluster + "/state"
	if err := r.client.Set(ctx, hashPath, []byte(hash)); err != nil {
		return nil, err
	}
	stateBody, _ := json.Marshal(pruned)
	if err := r.client.Set(ctx, statePath, stateBody); err != nil {
		return nil, err
	}

	logger.Info().Str("cluster", r.cluster).Int("members", len(remaining)).Str("hash", hash).Msg("sweep committed")
	return &Outcome{Committed: true, Reason: ReasonCommitted, Hash: hash, Members: len(remaining)}, nil
}

// orderedMembers sorts snapshot pods by seq and resolves each one's
// control port URL, failing if any pod doesn't expose portKey.
func orderedMembers(pods map[string]*types.Descriptor, portKey string) ([]member, error) {
	keys := make([]string, 0, len(pods))
	for k := range pods {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return pods[keys[i]].Seq < pods[keys[j]].Seq })

	members := make([]member, 0, len(keys))
	for _, k := range keys {
		d := pods[k]
		port, ok := d.Ports[portKey]
		if !ok {
			return nil, &PortNotExposedError{Cluster: d.Cluster}
		}
		members = append(members, member{
			key:  k,
			desc: d,
			url:  fmt.Sprintf("http://%s:%d", d.IP, port),
		})
	}
	return members, nil
}

// fanout POSTs /control/<task> to every member, respecting sequential, and
// returns each member's HTTP status code (0 on network failure).
func (r *Reconciler) fanout(ctx context.Context, members []member, task string, payload func([]member, string, int) []byte, sequential bool, timeout time.Duration) map[string]int {
	codes := make(map[string]int, len(members))
	var mu sync.Mutex

	call := func(m member, index int) {
		body := payload(members, m.key, index)
		code := r.post(ctx, m.url+"/control/"+task, body, timeout)
		mu.Lock()
		codes[m.key] = code
		mu.Unlock()
	}

	if sequential {
		for i, m := range members {
			call(m, i)
		}
		return codes
	}

	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(m member, i int) {
			defer wg.Done()
			call(m, i)
		}(m, i)
	}
	wg.Wait()
	return codes
}

// post issues the control call, returning 0 on any transport-level
// failure so callers can distinguish "network failure" from every real
// HTTP status the pod can reply with.
func (r *Reconciler) post(ctx context.Context, url string, body []byte, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}
