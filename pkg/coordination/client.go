// Package coordination wraps the ZooKeeper-like coordination service the
// agent depends on: ephemeral and sequential znodes, and children, exists
// and data watches (the lock recipe built on them lives in pkg/election).
// The production client is backed by github.com/go-zookeeper/zk; sequence
// numbers are assigned by the server, so a node created after a reconnect
// gets a fresh one.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by any Client call made after Close.
var ErrClosed = errors.New("coordination: client closed")

// ErrNoNode mirrors ZooKeeper's NoNode response: the requested path does
// not exist.
var ErrNoNode = errors.New("coordination: no such node")

// ErrNodeExists mirrors ZooKeeper's NodeExists response, raised when an
// ephemeral-sequential create races a stale node left over from a prior
// session that the server hasn't expired yet.
var ErrNodeExists = errors.New("coordination: node exists")

// ConnState reports the client's connection state, fed to C1's
// specialized() "state change" handling (CONNECTED vs SUSPENDED vs LOST).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSuspended
	StateLost
)

// Client is the coordination primitive every higher-level component
// (registry, election, watcher) is built on. A real instance talks to a
// ZooKeeper-compatible ensemble; tests use the in-memory fake.
type Client interface {
	// Connect blocks until the first successful connection or ctx is done.
	Connect(ctx context.Context) error

	// Close releases the session. All ephemeral nodes created by this
	// client disappear once the server notices the session has ended.
	Close() error

	// State returns the current connection state.
	State() ConnState

	// StateChanges returns a channel of connection state transitions.
	StateChanges() <-chan ConnState

	// EnsurePath creates path and all missing parents as persistent
	// nodes, e.g. a cluster's /pods and /hash prefixes.
	EnsurePath(ctx context.Context, path string) error

	// CreateEphemeralSequential creates an ephemeral+sequential child of
	// path with the given data and returns the full path created
	// (path + monotonically increasing suffix, e.g. "/pods/abc.0000000012").
	CreateEphemeralSequential(ctx context.Context, path string, data []byte) (string, error)

	// CreateEphemeral creates a plain ephemeral node at the exact path
	// given.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// Set overwrites a node's data, creating persistent parents as
	// needed is NOT implied — the node must already exist.
	Set(ctx context.Context, path string, data []byte) error

	// Get returns a node's data.
	Get(ctx context.Context, path string) ([]byte, error)

	// GetW returns a node's data and a channel that fires (at most once)
	// on the next create/data-change/delete of path. Used to watch a
	// dependency's hash node without re-listing its membership.
	GetW(ctx context.Context, path string) ([]byte, <-chan struct{}, error)

	// Children lists the immediate children of path.
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenW lists path's children and returns a channel that fires
	// (at most once) when the child set changes.
	ChildrenW(ctx context.Context, path string) ([]string, <-chan struct{}, error)

	// ExistsW reports whether path exists and returns a channel that
	// fires (at most once) when that existence changes. Used by the
	// leader lock to watch its predecessor.
	ExistsW(ctx context.Context, path string) (bool, <-chan struct{}, error)

	// Delete removes path.
	Delete(ctx context.Context, path string) error
}

// Addr describes one coordination-service endpoint, "host:port".
type Addr = string

// DialTimeout is the default ZooKeeper session timeout, matching typical
// kazoo/zk client defaults.
const DialTimeout = 10 * time.Second
