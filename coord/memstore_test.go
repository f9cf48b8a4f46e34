package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanWatcher chan Event

func (c chanWatcher) WatchFired(event Event) { c <- event }

func waitEvent(t *testing.T, c chanWatcher) Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch to fire")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, c chanWatcher) {
	t.Helper()
	select {
	case ev := <-c:
		t.Fatalf("unexpected watch event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestJoinAndValidatePath(t *testing.T) {
	assert.Equal(t, "/export-generations/1001/3", Join("export-generations", "1001", "3"))
	assert.NoError(t, ValidatePath("/a/b"))
	assert.Error(t, ValidatePath("a/b"))
	assert.Error(t, ValidatePath("/"))
	assert.Error(t, ValidatePath("/a//b"))
	assert.Error(t, ValidatePath(""))
}

func TestMemSession_CreateNode(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore().Session()

	require.NoError(t, s.CreateNode(ctx, "/a", Persistent))
	assert.ErrorIs(t, s.CreateNode(ctx, "/a", Persistent), ErrNodeExists)
	assert.ErrorIs(t, s.CreateNode(ctx, "/missing/child", Persistent), ErrNoNode)

	require.NoError(t, s.CreateNode(ctx, "/a/e", Ephemeral))
	assert.ErrorIs(t, s.CreateNode(ctx, "/a/e/x", Persistent), ErrEphemeralParent)

	children, err := s.Children(ctx, "/a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, children)

	_, err = s.Children(ctx, "/nope", nil)
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestCreateAll(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	s := store.Session()

	require.NoError(t, CreateAll(ctx, s, "/export-generations/7/0"))
	require.NoError(t, CreateAll(ctx, s, "/export-generations/7/1"))
	assert.True(t, store.Exists("/export-generations/7/0"))

	children, err := s.Children(ctx, "/export-generations/7", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, children)
}

func TestMemSession_WatchIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore().Session()
	require.NoError(t, s.CreateNode(ctx, "/p", Persistent))

	w := make(chanWatcher, 4)
	children, err := s.Children(ctx, "/p", w)
	require.NoError(t, err)
	assert.Empty(t, children)

	require.NoError(t, s.CreateNode(ctx, "/p/1", Ephemeral))
	ev := waitEvent(t, w)
	assert.Equal(t, Event{Type: EventChildrenChanged, Path: "/p"}, ev)

	// Not re-armed: no second event.
	require.NoError(t, s.CreateNode(ctx, "/p/2", Ephemeral))
	assertNoEvent(t, w)

	// Re-arming sees the latest children and the next change.
	children, err = s.Children(ctx, "/p", w)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, children)
	require.NoError(t, s.CreateNode(ctx, "/p/3", Ephemeral))
	waitEvent(t, w)
}

func TestMemSession_WatchReleasedWithContext(t *testing.T) {
	store := NewMemStore()
	s := store.Session()
	require.NoError(t, s.CreateNode(context.Background(), "/p", Persistent))

	ctx, cancel := context.WithCancel(context.Background())
	w := make(chanWatcher, 4)
	_, err := s.Children(ctx, "/p", w)
	require.NoError(t, err)
	_, err = s.Children(context.Background(), "/p", w)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Watches("/p"))

	cancel()
	require.Eventually(t, func() bool { return store.Watches("/p") == 1 }, time.Second, 5*time.Millisecond)

	// Only the watch armed with the live context fires.
	require.NoError(t, s.CreateNode(context.Background(), "/p/1", Ephemeral))
	waitEvent(t, w)
	assertNoEvent(t, w)
	assert.Equal(t, 0, store.Watches("/p"))
}

func TestMemSession_CloseRemovesEphemeralsAndFiresWatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	local := store.Session()
	peer := store.Session()

	require.NoError(t, CreateAll(ctx, local, "/gen/0"))
	require.NoError(t, local.CreateNode(ctx, "/gen/0/100", Ephemeral))
	require.NoError(t, peer.CreateNode(ctx, "/gen/0/200", Ephemeral))

	w := make(chanWatcher, 4)
	children, err := local.Children(ctx, "/gen/0", w)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, children)

	require.NoError(t, peer.Close())
	assert.Equal(t, Event{Type: EventChildrenChanged, Path: "/gen/0"}, waitEvent(t, w))

	children, err = local.Children(ctx, "/gen/0", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, children)
	assert.False(t, store.Exists("/gen/0/200"))
	// Persistent nodes survive the session that created them.
	require.NoError(t, local.Close())
	assert.True(t, store.Exists("/gen/0"))
	assert.False(t, store.Exists("/gen/0/100"))

	// A closed session refuses further work.
	assert.ErrorIs(t, peer.CreateNode(ctx, "/gen/1", Persistent), ErrClosed)
	_, err = peer.Children(ctx, "/gen", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, peer.Close())
}

func TestMemSession_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemStore().Session()
	assert.ErrorIs(t, s.CreateNode(ctx, "/a", Persistent), context.Canceled)
	_, err := s.Children(ctx, "/", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirectChild(t *testing.T) {
	name, ok := directChild("/gen/0/", "/gen/0/4294967298")
	assert.True(t, ok)
	assert.Equal(t, "4294967298", name)

	_, ok = directChild("/gen/0/", "/gen/0/1/deeper")
	assert.False(t, ok)
	_, ok = directChild("/gen/0/", "/gen/0/")
	assert.False(t, ok)
	_, ok = directChild("/gen/0/", "/gen/1/5")
	assert.False(t, ok)

	assert.Equal(t, "/", childPrefix("/"))
	assert.Equal(t, "/gen/", childPrefix("/gen"))
}
