package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusexport/coord"
	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/hooks"
)

// GenerationsRoot is the coordination store node holding one child per
// generation epoch.
const GenerationsRoot = "/export-generations"

func generationPath(epoch int64) string {
	return path.Join(GenerationsRoot, strconv.FormatInt(epoch, 10))
}

func partitionPath(epoch int64, partition core.PartitionID) string {
	return path.Join(generationPath(epoch), strconv.Itoa(int(partition)))
}

func mailboxPath(epoch int64, partition core.PartitionID, mailbox core.MailboxID) string {
	return path.Join(partitionPath(epoch, partition), strconv.FormatInt(int64(mailbox), 10))
}

// MembershipSnapshot maps partitions to the peer mailboxes allowed to ack
// them. A snapshot is never modified after it is published.
type MembershipSnapshot struct {
	peers map[core.PartitionID][]core.MailboxID
}

var emptySnapshot = &MembershipSnapshot{peers: map[core.PartitionID][]core.MailboxID{}}

// Peers returns the ackable mailboxes of a partition in ascending order.
func (s *MembershipSnapshot) Peers(partition core.PartitionID) []core.MailboxID {
	return append([]core.MailboxID(nil), s.peers[partition]...)
}

// Partitions returns the tracked partitions in ascending order.
func (s *MembershipSnapshot) Partitions() []core.PartitionID {
	out := make([]core.PartitionID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// with returns a copy of s where only partition's entry is replaced.
func (s *MembershipSnapshot) with(partition core.PartitionID, peers []core.MailboxID) *MembershipSnapshot {
	next := make(map[core.PartitionID][]core.MailboxID, len(s.peers)+1)
	for p, ids := range s.peers {
		next[p] = ids
	}
	next[partition] = peers
	return &MembershipSnapshot{peers: next}
}

type trackerRequest struct {
	// seed lists every partition and arms their watches; reply gets the
	// outcome. Otherwise event names the node whose watch fired.
	seed  []core.PartitionID
	reply chan error
	event coord.Event
}

// membershipTracker keeps the ackable mailbox snapshot in step with the
// coordination store. All store reads and snapshot builds happen on one
// worker goroutine; readers load the published snapshot without locking.
type membershipTracker struct {
	epoch    int64
	local    core.MailboxID
	store    coord.Store
	snapshot atomic.Pointer[MembershipSnapshot]

	// ctx bounds store reads and armed watches; cancelled by stopAndWait.
	ctx      context.Context
	cancel   context.CancelFunc
	requests chan trackerRequest
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	fatal   core.FatalHandler
	hooks   hooks.HookManager
	metrics *Metrics
	logger  *slog.Logger
}

// membershipWatcher forwards fired watches to the tracker worker.
type membershipWatcher struct {
	t *membershipTracker
}

func (w membershipWatcher) WatchFired(event coord.Event) {
	select {
	case w.t.requests <- trackerRequest{event: event}:
	case <-w.t.stop:
	}
}

func newMembershipTracker(epoch int64, local core.MailboxID, store coord.Store, opts Options) *membershipTracker {
	t := &membershipTracker{
		epoch:    epoch,
		local:    local,
		store:    store,
		requests: make(chan trackerRequest, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		fatal:    opts.FatalHandler,
		hooks:    opts.Hooks,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "membership_tracker"),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.snapshot.Store(emptySnapshot)
	return t
}

func (t *membershipTracker) start() {
	go t.run()
}

// stopAndWait terminates the worker and releases its armed watches.
// Watches firing afterwards are dropped.
func (t *membershipTracker) stopAndWait() {
	t.stopOnce.Do(func() {
		t.cancel()
		close(t.stop)
	})
	<-t.done
}

func (t *membershipTracker) current() *MembershipSnapshot {
	return t.snapshot.Load()
}

// seed performs the initial listing of every partition on the worker and
// waits for it. The snapshot is populated when it returns nil.
func (t *membershipTracker) seed(ctx context.Context, partitions []core.PartitionID) error {
	reply := make(chan error, 1)
	select {
	case t.requests <- trackerRequest{seed: partitions, reply: reply}:
	case <-t.stop:
		return errors.New("membership tracker stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *membershipTracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case req := <-t.requests:
			if req.reply != nil {
				req.reply <- t.listAll(req.seed)
				continue
			}
			t.refresh(req.event)
		}
	}
}

func (t *membershipTracker) listAll(partitions []core.PartitionID) error {
	snap := t.current()
	for _, p := range partitions {
		peers, err := t.list(t.ctx, p)
		if err != nil {
			return err
		}
		snap = snap.with(p, peers)
	}
	for _, p := range partitions {
		t.publish(snap, p)
	}
	return nil
}

func (t *membershipTracker) refresh(event coord.Event) {
	partition, err := strconv.Atoi(path.Base(event.Path))
	if err != nil {
		t.logger.Warn("Ignoring watch event for unexpected path", "path", event.Path)
		return
	}
	p := core.PartitionID(partition)
	peers, err := t.list(t.ctx, p)
	if err != nil {
		if t.ctx.Err() != nil {
			t.logger.Debug("Membership tracker stopping, refresh abandoned", "partition", p)
			return
		}
		t.logger.Error("Failed to refresh export ack mailboxes", "partition", p, "error", err)
		if t.fatal != nil {
			t.fatal.HandleFatal(core.NewFatalError("refresh export ack mailboxes", err))
		}
		return
	}
	t.publish(t.current().with(p, peers), p)
}

// list reads the children of a partition node and re-arms its watch.
func (t *membershipTracker) list(ctx context.Context, p core.PartitionID) ([]core.MailboxID, error) {
	nodePath := partitionPath(t.epoch, p)
	children, err := t.store.Children(ctx, nodePath, membershipWatcher{t: t})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", nodePath, err)
	}
	peers := make([]core.MailboxID, 0, len(children))
	for _, child := range children {
		id, err := strconv.ParseInt(child, 10, 64)
		if err != nil {
			t.logger.Warn("Ignoring non-numeric ack mailbox node", "path", nodePath, "child", child)
			continue
		}
		if core.MailboxID(id) == t.local {
			continue
		}
		peers = append(peers, core.MailboxID(id))
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers, nil
}

func (t *membershipTracker) publish(snap *MembershipSnapshot, changed core.PartitionID) {
	t.snapshot.Store(snap)
	peers := snap.peers[changed]
	t.metrics.AckableMailboxes.WithLabelValues(strconv.FormatInt(t.epoch, 10), strconv.Itoa(int(changed))).Set(float64(len(peers)))
	t.logger.Debug("Published export ack mailboxes", "partition", changed, "peers", len(peers))
	_ = t.hooks.Trigger(context.Background(), hooks.NewPostMembershipUpdateEvent(hooks.MembershipPayload{
		Epoch:     t.epoch,
		Partition: changed,
		Mailboxes: append([]core.MailboxID(nil), peers...),
	}))
}
