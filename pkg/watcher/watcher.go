// Package watcher implements C5: the leader-only loop that keeps an
// in-memory snapshot of a cluster's own pods and its dependency clusters,
// hashes that snapshot, and decides when a reconfiguration sweep is due.
// Membership is tracked with a ChildrenW watch on the cluster's own /pods
// node; each dependency is tracked with a GetW watch on that dependency's
// /hash node. Both are one-shot watches, re-armed after every fire, so the
// watcher reacts to coordination events instead of polling. The
// dirty flag, the damper countdown that can be cancelled
// by a fallback to the previous hash, and the hash stored at /hash are
// the single source of truth for "is this cluster configured".
package watcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/metrics"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
)

// watchRetryInterval bounds how long a watch-registration goroutine backs
// off before retrying after a transient coordination error (e.g. a
// dependency's /hash node not created yet). It is not a polling interval -
// membership and dependency-hash re-evaluation are driven entirely by
// ChildrenW/GetW firing, each a one-shot watch re-armed after it fires.
const watchRetryInterval = 2 * time.Second

// defaultProbeEvery is how often Probe fires when the caller leaves
// ProbeEvery unset.
const defaultProbeEvery = 60 * time.Second

// ProbeFunc is a hook's optional cluster health callback, polled on an
// independent timer while the cluster is configured (not dirty). Its
// result becomes the leader's /info status hint.
type ProbeFunc func(cluster *types.Cluster) (status string, err error)

// Watcher tracks one cluster's membership plus its dependencies and
// signals Sweeps once the computed hash has differed from /hash and stayed
// unchanged for the configured damper.
type Watcher struct {
	client       coordination.Client
	cluster      string
	dependencies []string
	damper       time.Duration

	probe      ProbeFunc
	probeEvery time.Duration
	onStatus   func(status string, err error)

	sweeps chan *types.Snapshot
	stopCh chan struct{}
	once   sync.Once

	mu      sync.Mutex
	local   map[string]*types.Descriptor
	deps    map[string]map[string]*types.Descriptor
	dirty   bool
	dueAt   time.Time
	lastSig string
}

// New creates a watcher for cluster, observing the listed dependency
// cluster keys alongside its own membership.
func New(client coordination.Client, cluster string, dependencies []string, damper time.Duration) *Watcher {
	return &Watcher{
		client:       client,
		cluster:      cluster,
		dependencies: dependencies,
		damper:       damper,
		probeEvery:   defaultProbeEvery,
		sweeps:       make(chan *types.Snapshot, 1),
		stopCh:       make(chan struct{}),
		local:        map[string]*types.Descriptor{},
		deps:         map[string]map[string]*types.Descriptor{},
	}
}

// WithProbe arms the optional cluster health callback: probe is invoked
// every probeEvery (0 defaults to 60s) while the cluster is configured,
// and onStatus receives every result for the caller to surface (e.g. onto
// the leader's own descriptor).
func (w *Watcher) WithProbe(probe ProbeFunc, probeEvery time.Duration, onStatus func(status string, err error)) *Watcher {
	w.probe = probe
	if probeEvery > 0 {
		w.probeEvery = probeEvery
	}
	w.onStatus = onStatus
	return w
}

// Sweeps yields a Snapshot every time the damper elapses while the cluster
// is still dirty. The Reconciler consumes exactly one snapshot per sweep.
func (w *Watcher) Sweeps() <-chan *types.Snapshot {
	return w.sweeps
}

// Run seeds the in-memory snapshot with one tick, then reacts to
// ChildrenW/GetW watches firing until ctx is done or Stop is called. It
// never re-lists everything on a fixed timer; membership changes on its
// own /pods node and every dependency's /hash node trigger re-evaluation
// directly, and a single damper timer - armed only while dirty, reset to
// the exact remaining countdown - wakes it once more to publish the
// pending sweep once the damper elapses with no further signal.
func (w *Watcher) Run(ctx context.Context) {
	logger := log.WithComponent("watcher")

	events := make(chan struct{}, 1)
	notify := func() {
		select {
		case events <- struct{}{}:
		default:
		}
	}

	go w.watchMembership(ctx, notify)
	for _, dep := range w.dependencies {
		go w.watchDependencyHash(ctx, dep, notify)
	}

	var damperTimer *time.Timer
	var damperC <-chan time.Time
	armDamper := func() {
		if damperTimer != nil {
			damperTimer.Stop()
			damperTimer = nil
			damperC = nil
		}
		dirty, dueAt := w.pendingDamper()
		if !dirty {
			return
		}
		remaining := time.Until(dueAt)
		if remaining < 0 {
			remaining = 0
		}
		damperTimer = time.NewTimer(remaining)
		damperC = damperTimer.C
	}
	defer func() {
		if damperTimer != nil {
			damperTimer.Stop()
		}
	}()

	if err := w.tick(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial watcher tick failed")
	}
	armDamper()

	var probeTicker *time.Ticker
	var probeC <-chan time.Time
	if w.probe != nil {
		probeTicker = time.NewTicker(w.probeEvery)
		defer probeTicker.Stop()
		probeC = probeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-events:
			if err := w.tick(ctx); err != nil {
				logger.Warn().Err(err).Msg("watcher tick failed")
			}
			armDamper()
		case <-damperC:
			if err := w.tick(ctx); err != nil {
				logger.Warn().Err(err).Msg("watcher tick failed")
			}
			armDamper()
		case <-probeC:
			w.runProbe()
		}
	}
}

// pendingDamper reports whether a sweep is currently pending and, if so,
// when its damper is due to elapse.
func (w *Watcher) pendingDamper() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty, w.dueAt
}

// watchMembership holds a standing ChildrenW watch on the cluster's own
// /pods node, re-arming it every time it fires and notifying the caller
// to re-evaluate.
func (w *Watcher) watchMembership(ctx context.Context, notify func()) {
	w.watchLoop(ctx, func() (<-chan struct{}, error) {
		_, watch, err := w.client.ChildrenW(ctx, registry.Root+"/"+w.cluster+"/pods")
		return watch, err
	}, notify)
}

// watchDependencyHash holds a standing GetW watch on dep's /hash node: the
// only signal the Cluster Watcher needs from a dependency, since that
// dependency's own leader updates its hash whenever its members change.
func (w *Watcher) watchDependencyHash(ctx context.Context, dep string, notify func()) {
	w.watchLoop(ctx, func() (<-chan struct{}, error) {
		_, watch, err := w.client.GetW(ctx, registry.Root+"/"+dep+"/hash")
		return watch, err
	}, notify)
}

// watchLoop registers a one-shot watch via arm, waits for it to fire (or
// for shutdown), and re-registers. ErrNoNode (the watched node hasn't
// been created yet) and any other transient error both back off for
// watchRetryInterval before retrying, rather than blocking forever.
func (w *Watcher) watchLoop(ctx context.Context, arm func() (<-chan struct{}, error), notify func()) {
	logger := log.WithComponent("watcher")
	for {
		watch, err := arm()
		if err != nil {
			if err != coordination.ErrNoNode {
				logger.Warn().Err(err).Msg("failed to arm watch, retrying")
			}
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(watchRetryInterval):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-watch:
			notify()
		}
	}
}

// runProbe invokes the optional cluster health callback once the cluster
// is configured (not dirty) and reports its result to onStatus. A probe
// mid-reconfiguration would read a snapshot that's about to be replaced,
// so it's skipped entirely rather than run against stale state.
func (w *Watcher) runProbe() {
	w.mu.Lock()
	if w.dirty {
		w.mu.Unlock()
		return
	}
	snap := &types.Snapshot{Pods: w.local, Dependencies: w.deps}
	w.mu.Unlock()

	status, err := w.probe(types.NewCluster(w.cluster, snap))
	if w.onStatus != nil {
		w.onStatus(status, err)
	}
}

func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *Watcher) tick(ctx context.Context) error {
	local, err := w.listCluster(ctx, w.cluster)
	if err != nil {
		return err
	}

	deps := make(map[string]map[string]*types.Descriptor, len(w.dependencies))
	for _, dep := range w.dependencies {
		pods, err := w.listCluster(ctx, dep)
		if err != nil {
			return err
		}
		deps[dep] = pods
	}

	w.mu.Lock()
	w.local = local
	w.deps = deps
	w.mu.Unlock()

	return w.evaluate(ctx)
}

// listCluster fetches every pod descriptor currently registered under a
// cluster's /pods path.
func (w *Watcher) listCluster(ctx context.Context, cluster string) (map[string]*types.Descriptor, error) {
	prefix := registry.Root + "/" + cluster + "/pods"
	children, err := w.client.Children(ctx, prefix)
	if err != nil {
		if err == coordination.ErrNoNode {
			return map[string]*types.Descriptor{}, nil
		}
		return nil, err
	}

	pods := make(map[string]*types.Descriptor, len(children))
	for _, child := range children {
		raw, err := w.client.Get(ctx, prefix+"/"+child)
		if err != nil {
			continue // pod vanished between Children and Get, skip it this tick
		}
		var d types.Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		pods[d.Key()] = &d
	}
	return pods, nil
}

// evaluate implements the spin() dirty/damper state machine: compute the
// snapshot's signature, compare against the last recorded /hash, and
// arm or disarm the damper countdown accordingly.
func (w *Watcher) evaluate(ctx context.Context) error {
	w.mu.Lock()
	snap := &types.Snapshot{Pods: w.local, Dependencies: w.deps}
	sig := Hash(snap)
	w.mu.Unlock()

	hashPath := registry.Root + "/" + w.cluster + "/hash"
	last, err := w.client.Get(ctx, hashPath)
	if err != nil && err != coordination.ErrNoNode {
		return err
	}

	logger := log.WithComponent("watcher")
	changed := sig != string(last)

	w.mu.Lock()
	defer w.mu.Unlock()

	if changed {
		// A new signature while already dirty restarts the countdown.
		if !w.dirty || sig != w.lastSig {
			w.dirty = true
			w.dueAt = time.Now().Add(w.damper)
			metrics.DamperRestartsTotal.Inc()
			logger.Info().Str("cluster", w.cluster).Dur("damper", w.damper).Msg("hash changed, configuration pending")
		}
	} else if w.dirty {
		// Fell back to the last known-good hash before the damper fired,
		// typically a transient coordination hiccup. Cancel the sweep.
		w.dirty = false
		logger.Debug().Str("cluster", w.cluster).Msg("hash reverted, cancelling pending configuration")
	}
	w.lastSig = sig

	if w.dirty && !time.Now().Before(w.dueAt) {
		w.dirty = false
		select {
		case w.sweeps <- snap:
		default:
			// A sweep is already queued; this tick's snapshot will be
			// superseded by the next evaluate() once it drains.
		}
	}
	return nil
}

// Hash returns the stable signature of a snapshot, written to /hash by
// the reconciler on a successful sweep and compared against on every
// watcher tick. json.Marshal sorts map keys, so two snapshots with the
// same content hash identically regardless of map iteration order.
func Hash(snap *types.Snapshot) string {
	keys := make([]string, 0, len(snap.Dependencies))
	for k := range snap.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf, _ := json.Marshal(struct {
		Pods map[string]*types.Descriptor            `json:"pods"`
		Deps map[string]map[string]*types.Descriptor `json:"dependencies"`
	}{Pods: snap.Pods, Deps: snap.Dependencies})

	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])
}
