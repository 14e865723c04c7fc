// Package registry implements C3: publishing a pod's descriptor as an
// ephemeral sequential znode and keeping it in sync with local mutations:
// the registration path, NodeExists-retry-on-reconnect handling, and
// seq-from-path parsing.
package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/types"
)

// Root is the base path under which every cluster's coordination state
// lives.
const Root = "/ochopod/clusters"

// Registry owns the single ephemeral sequential node describing one pod.
// Only the owning pod ever calls Update; peers only ever read.
type Registry struct {
	client coordination.Client
	prefix string // Root + "/" + cluster

	mu         sync.Mutex
	descriptor *types.Descriptor
	path       string
}

// New creates a registry for the given cluster key (namespace.name) and
// initial descriptor. Register must be called before the pod is visible
// to peers.
func New(client coordination.Client, cluster string, descriptor *types.Descriptor) *Registry {
	descriptor.Cluster = cluster
	return &Registry{
		client:     client,
		prefix:     Root + "/" + cluster,
		descriptor: descriptor,
	}
}

// Register creates /pods, /hash and /state under the cluster prefix if missing,
// then creates this pod's ephemeral sequential node. It retries once on
// ErrNodeExists - a stale sequence collision right after a session flap
// reconnects and races a create against a node it hasn't yet seen expire.
func (r *Registry) Register(ctx context.Context) (string, error) {
	logger := log.WithComponent("registry")

	if err := r.client.EnsurePath(ctx, r.prefix+"/pods"); err != nil {
		return "", err
	}
	if err := r.client.EnsurePath(ctx, r.prefix+"/hash"); err != nil {
		return "", err
	}
	if err := r.client.EnsurePath(ctx, r.prefix+"/state"); err != nil {
		return "", err
	}

	r.mu.Lock()
	data, err := json.Marshal(r.descriptor)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	var full string
	for attempt := 0; attempt < 2; attempt++ {
		full, err = r.client.CreateEphemeralSequential(ctx, r.prefix+"/pods/pod-", data)
		if err == nil {
			break
		}
		if err == coordination.ErrNodeExists {
			logger.Warn().Msg("pod node already exists, probably a reconnect, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	seq, parseErr := seqFromPath(full)
	if parseErr != nil {
		return "", parseErr
	}

	r.mu.Lock()
	r.path = full
	r.descriptor.Seq = seq
	updated, _ := json.Marshal(r.descriptor)
	r.mu.Unlock()

	if err := r.client.Set(ctx, full, updated); err != nil {
		return "", err
	}

	logger.Info().Str("path", full).Int("seq", seq).Msg("pod registered")
	return full, nil
}

// Update mutates the local descriptor under lock and rewrites the znode
// payload in full - every local mutation to fields like state and process
// is visible to peers as soon as it's applied.
func (r *Registry) Update(ctx context.Context, mutate func(*types.Descriptor)) error {
	r.mu.Lock()
	mutate(r.descriptor)
	path := r.path
	data, err := json.Marshal(r.descriptor)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if path == "" {
		return nil // not yet registered
	}
	return r.client.Set(ctx, path, data)
}

// Descriptor returns a copy of the current descriptor.
func (r *Registry) Descriptor() types.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.descriptor
}

// Path returns the full registered znode path, or "" before Register.
func (r *Registry) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// seqFromPath extracts the 10-digit zero-padded sequence ZooKeeper
// appended to an ephemeral-sequential create call.
func seqFromPath(path string) (int, error) {
	i := strings.LastIndex(path, "-")
	if i < 0 {
		i = strings.LastIndex(path, ".")
	}
	if i < 0 || i+1 >= len(path) {
		return 0, &InvalidPathError{Path: path}
	}
	return strconv.Atoi(path[i+1:])
}

// InvalidPathError is returned when a coordination path doesn't carry the
// expected sequence suffix.
type InvalidPathError struct{ Path string }

func (e *InvalidPathError) Error() string {
	return "registry: cannot parse sequence from path " + e.Path
}
