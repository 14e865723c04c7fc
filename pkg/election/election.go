// Package election implements C4: single-writer leader election using
// sequential ephemeral nodes under a lock path, the classic ZooKeeper
// lock recipe: lowest seq under the lock path is leader, each higher pod
// watches its immediate predecessor, and a pod learns it is leader only
// from the empty-predecessor callback, never a timer.
package election

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
)

// Election runs the campaign loop for one cluster and reports role
// transitions on its Roles channel.
type Election struct {
	client coordination.Client
	prefix string // registry.Root + "/" + cluster + "/lock"

	roles  chan types.State
	stopCh chan struct{}
	once   sync.Once

	mu      sync.Mutex
	myPath  string
	current types.State
}

// New creates an election for the given cluster key.
func New(client coordination.Client, cluster string) *Election {
	return &Election{
		client: client,
		prefix: registry.Root + "/" + cluster + "/lock",
		roles:  make(chan types.State, 1),
		stopCh: make(chan struct{}),
	}
}

// Roles yields types.StateLeader / types.StateFollower whenever this
// pod's role changes. The channel is never closed while the election is
// running; callers select on it alongside Stop's effect.
func (e *Election) Roles() <-chan types.State {
	return e.roles
}

// Campaign creates this pod's lock node and starts the watch loop that
// promotes it to leader once it has no living predecessor. It returns
// once the node is created; role transitions arrive asynchronously on
// Roles().
func (e *Election) Campaign(ctx context.Context) error {
	logger := log.WithComponent("election")

	if err := e.client.EnsurePath(ctx, e.prefix); err != nil {
		return err
	}

	full, err := e.client.CreateEphemeralSequential(ctx, e.prefix+"/n-", nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.myPath = full
	e.current = types.StateFollower
	e.mu.Unlock()

	logger.Info().Str("path", full).Msg("entered election")

	go e.watch(ctx)
	return nil
}

func (e *Election) watch(ctx context.Context) {
	logger := log.WithComponent("election")

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		children, err := e.client.Children(ctx, e.prefix)
		if err != nil {
			logger.Warn().Err(err).Msg("failed listing lock children, retrying")
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				continue
			}
		}

		sort.Slice(children, func(i, j int) bool {
			return lockSeq(children[i]) < lockSeq(children[j])
		})

		myName := lastSegment(e.myPath)
		myIndex := indexOf(children, myName)
		if myIndex < 0 {
			// Our own node vanished - session loss. Caller re-enters
			// election from cold.
			e.setRole(types.StateFollower)
			return
		}

		if myIndex == 0 {
			e.setRole(types.StateLeader)
			// Still watch for session loss: re-evaluate on any change to
			// our own node's existence.
			exists, watch, err := e.client.ExistsW(ctx, e.myPath)
			if err != nil || !exists {
				e.setRole(types.StateFollower)
				return
			}
			e.waitOrStop(watch)
			continue
		}

		predecessor := e.prefix + "/" + children[myIndex-1]
		exists, watch, err := e.client.ExistsW(ctx, predecessor)
		if err != nil {
			continue
		}
		if !exists {
			continue // predecessor already gone, re-check position now
		}
		e.setRole(types.StateFollower)
		e.waitOrStop(watch)
	}
}

func (e *Election) waitOrStop(watch <-chan struct{}) {
	select {
	case <-watch:
	case <-e.stopCh:
	}
}

func (e *Election) setRole(role types.State) {
	e.mu.Lock()
	changed := e.current != role
	e.current = role
	e.mu.Unlock()

	if changed {
		log.WithComponent("election").Info().Str("role", string(role)).Msg("role changed")
		select {
		case e.roles <- role:
		default:
		}
	}
}

// IsLeader reports the last known role.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current == types.StateLeader
}

// Stop ends the campaign. The pod's lock node disappears when its
// coordination session ends, not as a side effect of Stop.
func (e *Election) Stop() {
	e.once.Do(func() { close(e.stopCh) })
}

func lockSeq(name string) int {
	i := strings.LastIndex(name, "-")
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[i+1:])
	return n
}

func lastSegment(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
