package coord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memNode struct {
	owner    int64 // session id for ephemeral nodes, 0 for persistent ones
	children map[string]struct{}
	watchers []*memWatch
}

// memWatch is an armed one-shot watch. stop detaches it from the context
// that would otherwise release it.
type memWatch struct {
	watcher Watcher
	stop    func() bool
}

// MemStore is an in-memory coordination tree shared by any number of
// sessions. It backs single-host deployments and tests.
type MemStore struct {
	mu          sync.Mutex
	nodes       map[string]*memNode
	nextSession int64
}

// NewMemStore returns an empty tree holding only the root.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes: map[string]*memNode{
			"/": {children: make(map[string]struct{})},
		},
	}
}

// Session opens a new client session on the tree. Closing the session
// deletes its ephemeral nodes, which is how a lost host looks to its peers.
func (m *MemStore) Session() *MemSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSession++
	return &MemSession{store: m, id: m.nextSession}
}

// Exists reports whether path is present in the tree.
func (m *MemStore) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[path]
	return ok
}

// Watches returns the number of watches armed on path.
func (m *MemStore) Watches(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[path]; ok {
		return len(n.watchers)
	}
	return 0
}

type firing struct {
	watchers []*memWatch
	event    Event
}

func fire(firings []firing) {
	for _, f := range firings {
		for _, w := range f.watchers {
			w.watcher.WatchFired(f.event)
		}
	}
}

// releaseWatch drops w from path once its context is done.
func (m *MemStore) releaseWatch(path string, w *memWatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return
	}
	for i, armed := range n.watchers {
		if armed == w {
			n.watchers = append(n.watchers[:i:i], n.watchers[i+1:]...)
			return
		}
	}
}

// takeWatchersLocked detaches the one-shot watchers of path.
func (m *MemStore) takeWatchersLocked(path string, eventType EventType) (firing, bool) {
	n, ok := m.nodes[path]
	if !ok || len(n.watchers) == 0 {
		return firing{}, false
	}
	f := firing{watchers: n.watchers, event: Event{Type: eventType, Path: path}}
	n.watchers = nil
	for _, w := range f.watchers {
		w.stop()
	}
	return f, true
}

// MemSession is one client of a MemStore. It implements Store.
type MemSession struct {
	store  *MemStore
	id     int64
	closed bool // guarded by store.mu
}

var _ Store = (*MemSession)(nil)

func (s *MemSession) CreateNode(ctx context.Context, path string, mode CreateMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	m := s.store
	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.nodes[path]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", path, ErrNodeExists)
	}
	parentPath := parentOf(path)
	parent, ok := m.nodes[parentPath]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("parent of %s: %w", path, ErrNoNode)
	}
	if parent.owner != 0 {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", path, ErrEphemeralParent)
	}
	n := &memNode{children: make(map[string]struct{})}
	if mode == Ephemeral {
		n.owner = s.id
	}
	m.nodes[path] = n
	parent.children[path[strings.LastIndex(path, "/")+1:]] = struct{}{}

	var firings []firing
	if f, ok := m.takeWatchersLocked(parentPath, EventChildrenChanged); ok {
		firings = append(firings, f)
	}
	m.mu.Unlock()

	fire(firings)
	return nil
}

func (s *MemSession) Children(ctx context.Context, path string, watcher Watcher) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path != "/" {
		if err := ValidatePath(path); err != nil {
			return nil, err
		}
	}
	m := s.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	n, ok := m.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoNode)
	}
	children := make([]string, 0, len(n.children))
	for name := range n.children {
		children = append(children, name)
	}
	sort.Strings(children)
	if watcher != nil {
		w := &memWatch{watcher: watcher}
		w.stop = context.AfterFunc(ctx, func() { m.releaseWatch(path, w) })
		n.watchers = append(n.watchers, w)
	}
	return children, nil
}

// Close removes the session's ephemeral nodes and fires the child watches
// of their parents.
func (s *MemSession) Close() error {
	m := s.store
	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return nil
	}
	s.closed = true

	var firings []firing
	for path, n := range m.nodes {
		if n.owner != s.id {
			continue
		}
		if f, ok := m.takeWatchersLocked(path, EventNodeDeleted); ok {
			firings = append(firings, f)
		}
		delete(m.nodes, path)
		parentPath := parentOf(path)
		if parent, ok := m.nodes[parentPath]; ok {
			delete(parent.children, path[strings.LastIndex(path, "/")+1:])
			if f, ok := m.takeWatchersLocked(parentPath, EventChildrenChanged); ok {
				firings = append(firings, f)
			}
		}
	}
	m.mu.Unlock()

	fire(firings)
	return nil
}
