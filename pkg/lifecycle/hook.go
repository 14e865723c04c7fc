// Package lifecycle implements C7: the per-pod FSM driving a user-supplied
// hook through configuration, running, and teardown: a single-threaded
// command queue serializing the configure/check/off/kill/signal request
// handlers, plus the sanity-check restart counter.
package lifecycle

import "github.com/cuemby/podkeeper/pkg/types"

// Hook is the mandatory lifecycle contract every pod implementation must
// satisfy: given the cluster view, return the command line and extra
// environment to run. It is the only method a pod must implement.
type Hook interface {
	Configure(cluster *types.Cluster) (command []string, env map[string]string, err error)
}

// Initializer is invoked once, the first time a pod is ever configured -
// typically for one-time setup like attaching storage.
type Initializer interface {
	Initialize() error
}

// Checker backs /control/check: a pod can veto configuration (e.g. a
// dependency isn't ready yet) without side effects.
type Checker interface {
	CanConfigure(cluster *types.Cluster) error
}

// SanityChecker is polled every check_every while RUNNING. Returning an
// error counts against the restart counter; a non-nil map populates the
// descriptor's supplemented Metrics field.
type SanityChecker interface {
	SanityCheck(pid int) (map[string]any, error)
}

// TearDowner lets the hook ask the child to stop before the default
// teardown. Its TearDown runs first; pkg/supervisor then still sends
// SIGTERM and escalates to SIGKILL after the grace period, whether or not
// the hook implements this.
type TearDowner interface {
	TearDown(pid int) error
}

// Finalizer runs once, right before a pod is permanently killed.
type Finalizer interface {
	Finalize() error
}

// Signaler backs the supplemented POST /control/signal escape hatch.
type Signaler interface {
	Signaled(js map[string]any, pid int) (map[string]any, error)
}

// Configured is the supplemented fire-and-forget callback: the lifecycle
// invokes OnConfigured asynchronously after each successful /control/on
// has started the child.
type Configured interface {
	OnConfigured(cluster *types.Cluster)
}

// Prober is the supplemented cluster health callback: polled by the
// Cluster Watcher on an independent timer (probe_every, default 60s)
// while the cluster is configured, distinct from the Supervisor's
// per-pod SanityChecker. Its result populates the leader's /info status
// hint.
type Prober interface {
	Probe(cluster *types.Cluster) (status string, err error)
}
