// Package types holds the data shapes shared across the agent: the pod
// descriptor written to the coordination store, the process states a pod
// moves through, and the read-only cluster view handed to hook code.
package types

import (
	"sort"
	"strconv"
	"strings"
)

// Process is a pod's externally observable process state, exposed via
// /info and mirrored by the podagent_process_state metric. Transitions are
// monotonic per run: stopped -> running -> (dead|failed); leaving dead or
// failed requires an explicit control RPC.
type Process string

const (
	ProcessStopped Process = "stopped"
	ProcessRunning Process = "running"
	ProcessDead    Process = "dead"
	ProcessFailed  Process = "failed"
)

// State is the pod's role within its cluster, chosen by lock ownership.
type State string

const (
	StateFollower State = "follower"
	StateLeader   State = "leader"
)

// Descriptor is a pod's self-description, written as the payload of its
// ephemeral sequential znode and read back by peers and by the leader's
// snapshot.
type Descriptor struct {
	UUID        string         `json:"uuid"`
	Node        string         `json:"node"`
	Task        string         `json:"task"`
	IP          string         `json:"ip"`
	Public      string         `json:"public"`
	Ports       map[string]int `json:"ports"`
	Port        string         `json:"port"`
	Application string         `json:"application"`
	Cluster     string         `json:"cluster"`
	Process     Process        `json:"process"`
	State       State          `json:"state"`
	Seq         int            `json:"seq"`

	// Status and Metrics are supplemented fields, not part of the
	// descriptor's minimal wire contract: Status carries the leader's
	// optional Probe() result, Metrics the return value of the
	// supervisor's periodic sanity_check.
	Status  string         `json:"status,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Key returns the descriptor's identity within its cluster, "cluster#seq".
func (d *Descriptor) Key() string {
	return d.Cluster + "#" + strconv.Itoa(d.Seq)
}

// Snapshot is the leader's view of a cluster at a point in time: its own
// members plus the resolved members of every dependency cluster. It is
// hashed (see watcher.Hash) to decide whether a reconfiguration sweep is
// required, and sent verbatim as the payload of Phase C's /control/on.
type Snapshot struct {
	Pods         map[string]*Descriptor            `json:"pods"`
	Dependencies map[string]map[string]*Descriptor `json:"dependencies"`
}

// Cluster is the read-only view handed to LifeCycle hooks. It wraps a
// Snapshot with the local pod's own identity resolved (index, seq, size).
type Cluster struct {
	Key          string
	Pods         map[string]*Descriptor
	Dependencies map[string]map[string]*Descriptor
	Index        int
	Seq          int
	Size         int
}

// NewCluster builds a Cluster view for the pod identified by key within
// the given snapshot.
func NewCluster(key string, snap *Snapshot) *Cluster {
	keys := make([]string, 0, len(snap.Pods))
	for k := range snap.Pods {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	index := -1
	for i, k := range keys {
		if k == key {
			index = i
			break
		}
	}

	seq := 0
	if pod, ok := snap.Pods[key]; ok {
		seq = pod.Seq
	}

	return &Cluster{
		Key:          key,
		Pods:         snap.Pods,
		Dependencies: snap.Dependencies,
		Index:        index,
		Seq:          seq,
		Size:         len(snap.Pods),
	}
}

// Grep returns the comma-joined "ip:port" pairs exposed by every member of
// a dependency cluster, sorted by pod key, or an empty string if the
// dependency is unknown.
func (c *Cluster) Grep(dependency string, port int, public bool) (string, error) {
	nodes, ok := c.Dependencies[dependency]
	if !ok {
		return "", nil
	}

	names := make([]string, 0, len(nodes))
	for k := range nodes {
		names = append(names, k)
	}
	sort.Strings(names)

	portKey := strconv.Itoa(port)
	out := make([]string, 0, len(names))
	for _, k := range names {
		node := nodes[k]
		ip := node.IP
		if public {
			ip = node.Public
		}
		p, ok := node.Ports[portKey]
		if !ok {
			return "", &MissingPortError{Dependency: dependency, Port: port}
		}
		out = append(out, ip+":"+strconv.Itoa(p))
	}
	return strings.Join(out, ","), nil
}

// MissingPortError is returned by Cluster.Grep when a dependency pod does
// not expose the requested port.
type MissingPortError struct {
	Dependency string
	Port       int
}

func (e *MissingPortError) Error() string {
	return "pod from " + e.Dependency + " not exposing port " + strconv.Itoa(e.Port)
}
