// Package coord is the hierarchical coordination store used to publish
// which mailboxes may acknowledge export data for a partition.
//
// The namespace is a tree of slash separated paths. Nodes are persistent or
// ephemeral; ephemeral nodes disappear together with the session that
// created them and cannot have children. Watches are one-shot: a watcher
// installed by Children fires at most once and must be installed again to
// observe later changes.
package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNodeExists is returned by CreateNode when the path already exists.
	ErrNodeExists = errors.New("coord: node already exists")
	// ErrNoNode is returned when a path, or the parent of a path to create,
	// does not exist.
	ErrNoNode = errors.New("coord: node does not exist")
	// ErrClosed is returned by a store whose session has been closed.
	ErrClosed = errors.New("coord: store is closed")
	// ErrEphemeralParent is returned when creating a child of an ephemeral node.
	ErrEphemeralParent = errors.New("coord: ephemeral nodes cannot have children")
)

// CreateMode selects the lifetime of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the creating session ends.
	Ephemeral
)

func (m CreateMode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// EventType is the kind of change that fired a watch.
type EventType int

const (
	EventChildrenChanged EventType = iota
	EventNodeDeleted
)

func (t EventType) String() string {
	switch t {
	case EventChildrenChanged:
		return "children_changed"
	case EventNodeDeleted:
		return "node_deleted"
	default:
		return "unknown"
	}
}

// Event describes the change that fired a watch.
type Event struct {
	Type EventType
	Path string
}

// Watcher receives the one-shot notification installed by Children.
// WatchFired may be called from a store goroutine and should not block for
// long.
type Watcher interface {
	WatchFired(event Event)
}

// WatcherFunc adapts a function to the Watcher interface.
type WatcherFunc func(event Event)

func (f WatcherFunc) WatchFired(event Event) { f(event) }

// Store is the coordination store client.
type Store interface {
	// CreateNode creates path. The parent must exist.
	CreateNode(ctx context.Context, path string, mode CreateMode) error
	// Children lists the names of the direct children of path. A non-nil
	// watcher is armed atomically with the listing and fires once, on the
	// next change to the children of path. The watch is released without
	// firing once ctx is done.
	Children(ctx context.Context, path string, watcher Watcher) ([]string, error)
	// Close ends the session, removing its ephemeral nodes.
	Close() error
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	return path.Join(append([]string{"/"}, segments...)...)
}

// CreateAll creates path and every missing ancestor as persistent nodes.
// Nodes that already exist are left alone.
func CreateAll(ctx context.Context, store Store, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	current := ""
	for _, segment := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		current += "/" + segment
		if err := store.CreateNode(ctx, current, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return fmt.Errorf("failed to create %s: %w", current, err)
		}
	}
	return nil
}

// ValidatePath checks that p is an absolute, clean path other than the root.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("coord: path %q must be absolute", p)
	}
	if p == "/" {
		return fmt.Errorf("coord: the root cannot be used as a node")
	}
	if path.Clean(p) != p {
		return fmt.Errorf("coord: path %q is not clean", p)
	}
	return nil
}

func parentOf(p string) string {
	return path.Dir(p)
}
