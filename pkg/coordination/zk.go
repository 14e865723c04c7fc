package coordination

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/cuemby/podkeeper/pkg/log"
)

// ZKClient is the production Client, backed by a real ZooKeeper-compatible
// ensemble. It tracks connection state from the driver's event channel and
// exposes it as a state-change feed rather than hiding reconnection from
// callers.
type ZKClient struct {
	conn *zk.Conn

	mu      sync.RWMutex
	state   ConnState
	changes chan ConnState

	acl []zk.ACL
}

// Dial connects to the given ensemble addresses. It does not block for the
// session to become connected; call Connect for that.
func Dial(addrs []string) (*ZKClient, error) {
	conn, events, err := zk.Connect(addrs, DialTimeout)
	if err != nil {
		return nil, err
	}

	c := &ZKClient{
		conn:    conn,
		changes: make(chan ConnState, 8),
		acl:     zk.WorldACL(zk.PermAll),
	}
	go c.watchSession(events)
	return c, nil
}

func (c *ZKClient) watchSession(events <-chan zk.Event) {
	for ev := range events {
		var next ConnState
		switch ev.State {
		case zk.StateConnecting:
			next = StateConnecting
		case zk.StateConnected, zk.StateHasSession:
			next = StateConnected
		case zk.StateDisconnected:
			next = StateSuspended
		case zk.StateExpired:
			next = StateLost
		default:
			continue
		}

		c.mu.Lock()
		c.state = next
		c.mu.Unlock()

		log.WithComponent("coordination").Debug().Str("state", ev.State.String()).Msg("connection state change")

		select {
		case c.changes <- next:
		default:
		}
	}
}

func (c *ZKClient) Connect(ctx context.Context) error {
	for {
		if c.State() == StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *ZKClient) Close() error {
	c.conn.Close()
	return nil
}

func (c *ZKClient) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *ZKClient) StateChanges() <-chan ConnState {
	return c.changes
}

func (c *ZKClient) EnsurePath(ctx context.Context, path string) error {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err := c.conn.Create(cur, nil, 0, c.acl)
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (c *ZKClient) CreateEphemeralSequential(ctx context.Context, path string, data []byte) (string, error) {
	full, err := c.conn.Create(path, data, zk.FlagEphemeral|zk.FlagSequence, c.acl)
	if err != nil {
		if err == zk.ErrNodeExists {
			return "", ErrNodeExists
		}
		return "", err
	}
	return full, nil
}

func (c *ZKClient) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	_, err := c.conn.Create(path, data, zk.FlagEphemeral, c.acl)
	if err == zk.ErrNodeExists {
		return ErrNodeExists
	}
	return err
}

func (c *ZKClient) Set(ctx context.Context, path string, data []byte) error {
	_, err := c.conn.Set(path, data, -1)
	if err == zk.ErrNoNode {
		return ErrNoNode
	}
	return err
}

func (c *ZKClient) Get(ctx context.Context, path string) ([]byte, error) {
	data, _, err := c.conn.Get(path)
	if err == zk.ErrNoNode {
		return nil, ErrNoNode
	}
	return data, err
}

func (c *ZKClient) GetW(ctx context.Context, path string) ([]byte, <-chan struct{}, error) {
	data, _, zkEvents, err := c.conn.GetW(path)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil, ErrNoNode
		}
		return nil, nil, err
	}
	return data, bridgeEvent(zkEvents), nil
}

func (c *ZKClient) Children(ctx context.Context, path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	if err == zk.ErrNoNode {
		return nil, ErrNoNode
	}
	return children, err
}

func (c *ZKClient) ChildrenW(ctx context.Context, path string) ([]string, <-chan struct{}, error) {
	children, _, zkEvents, err := c.conn.ChildrenW(path)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil, ErrNoNode
		}
		return nil, nil, err
	}
	return children, bridgeEvent(zkEvents), nil
}

func (c *ZKClient) ExistsW(ctx context.Context, path string) (bool, <-chan struct{}, error) {
	exists, _, zkEvents, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, err
	}
	return exists, bridgeEvent(zkEvents), nil
}

func (c *ZKClient) Delete(ctx context.Context, path string) error {
	err := c.conn.Delete(path, -1)
	if err == zk.ErrNoNode {
		return ErrNoNode
	}
	return err
}

// bridgeEvent adapts a single-shot zk.EventChan into the struct{}-typed
// watch channel the Client interface exposes, so callers never need to
// import the zk package directly.
func bridgeEvent(zkEvents <-chan zk.Event) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		<-zkEvents
		out <- struct{}{}
		close(out)
	}()
	return out
}
