package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeClient is an in-memory Client used by C3-C6 unit tests so they don't
// need a live ensemble. It implements just enough of ZooKeeper's semantics
// to exercise the registry/election/watcher logic: ephemeral+sequential
// children, one-shot watches, and persistent/ephemeral node data.
type FakeClient struct {
	mu sync.Mutex

	nodes map[string][]byte
	seq   map[string]int // next sequence number, keyed by parent path

	childWatches  map[string][]chan struct{}
	existsWatches map[string][]chan struct{}
	dataWatches   map[string][]chan struct{}

	closed bool
}

// NewFakeClient returns a ready-to-use fake, already "connected".
func NewFakeClient() *FakeClient {
	return &FakeClient{
		nodes:         map[string][]byte{"/": nil},
		seq:           map[string]int{},
		childWatches:  map[string][]chan struct{}{},
		existsWatches: map[string][]chan struct{}{},
		dataWatches:   map[string][]chan struct{}{},
	}
}

func (f *FakeClient) Connect(ctx context.Context) error { return nil }

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeClient) State() ConnState { return StateConnected }

func (f *FakeClient) StateChanges() <-chan ConnState {
	return make(chan ConnState)
}

func (f *FakeClient) EnsurePath(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	cur := ""
	for _, p := range strings.Split(strings.Trim(path, "/"), "/") {
		if p == "" {
			continue
		}
		cur += "/" + p
		if _, ok := f.nodes[cur]; !ok {
			f.nodes[cur] = nil
		}
	}
	return nil
}

func (f *FakeClient) CreateEphemeralSequential(ctx context.Context, path string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrClosed
	}

	n := f.seq[path]
	f.seq[path] = n + 1
	full := fmt.Sprintf("%s%010d", path, n)
	f.nodes[full] = data
	f.fireChildWatchesLocked(parentOf(full))
	return full, nil
}

func (f *FakeClient) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.nodes[path]; ok {
		return ErrNodeExists
	}
	f.nodes[path] = data
	f.fireChildWatchesLocked(parentOf(path))
	f.fireExistsWatchesLocked(path)
	return nil
}

func (f *FakeClient) Set(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.nodes[path]; !ok {
		return ErrNoNode
	}
	f.nodes[path] = data
	f.fireDataWatchesLocked(path)
	return nil
}

func (f *FakeClient) Get(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	data, ok := f.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return data, nil
}

// GetW mirrors ZooKeeper's getData watch: it fires once on the node's next
// data change or deletion. The node must already exist, matching the real
// client's behavior of failing a watch-get against a missing znode.
func (f *FakeClient) GetW(ctx context.Context, path string) ([]byte, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, ErrClosed
	}
	data, ok := f.nodes[path]
	if !ok {
		return nil, nil, ErrNoNode
	}
	ch := make(chan struct{}, 1)
	f.dataWatches[path] = append(f.dataWatches[path], ch)
	return data, ch, nil
}

func (f *FakeClient) Children(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.childrenLocked(path), nil
}

func (f *FakeClient) ChildrenW(ctx context.Context, path string) ([]string, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, ErrClosed
	}
	children := f.childrenLocked(path)
	ch := make(chan struct{}, 1)
	f.childWatches[path] = append(f.childWatches[path], ch)
	return children, ch, nil
}

func (f *FakeClient) ExistsW(ctx context.Context, path string) (bool, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, nil, ErrClosed
	}
	_, exists := f.nodes[path]
	ch := make(chan struct{}, 1)
	f.existsWatches[path] = append(f.existsWatches[path], ch)
	return exists, ch, nil
}

func (f *FakeClient) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.nodes[path]; !ok {
		return ErrNoNode
	}
	delete(f.nodes, path)
	f.fireChildWatchesLocked(parentOf(path))
	f.fireExistsWatchesLocked(path)
	f.fireDataWatchesLocked(path)
	return nil
}

func (f *FakeClient) childrenLocked(path string) []string {
	prefix := strings.TrimSuffix(path, "/") + "/"
	var out []string
	for p := range f.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out
}

func (f *FakeClient) fireChildWatchesLocked(path string) {
	for _, ch := range f.childWatches[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(f.childWatches, path)
}

func (f *FakeClient) fireExistsWatchesLocked(path string) {
	for _, ch := range f.existsWatches[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(f.existsWatches, path)
}

func (f *FakeClient) fireDataWatchesLocked(path string) {
	for _, ch := range f.dataWatches[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(f.dataWatches, path)
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
