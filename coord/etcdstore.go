package coord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusexport/core"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	etcdNamespace "go.etcd.io/etcd/client/v3/namespace"
)

// ErrSessionExpired is reported to the fatal handler when the etcd lease
// backing the ephemeral nodes is lost.
var ErrSessionExpired = errors.New("coord: etcd session expired")

// EtcdConfig configures an EtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	Namespace   string
	Username    string
	Password    string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds. Ephemeral nodes disappear this
	// long after the process stops refreshing the lease.
	SessionTTL int
}

// EtcdStore maps the coordination tree onto etcd keys. Every node is a
// key named by its path; ephemeral nodes are attached to the lease of one
// concurrency.Session per store.
type EtcdStore struct {
	client  *etcd.Client
	session *concurrency.Session
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore connects to etcd and opens the session used for ephemeral
// nodes. Losing the session later is reported to fatal.
func NewEtcdStore(ctx context.Context, cfg EtcdConfig, logger *slog.Logger, fatal core.FatalHandler) (*EtcdStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15
	}
	client, err := etcd.New(etcd.Config{
		Context:     context.Background(),
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      newZapLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create etcd client: %w", err)
	}
	return newEtcdStoreFromClient(ctx, client, cfg, logger, fatal)
}

func newEtcdStoreFromClient(ctx context.Context, client *etcd.Client, cfg EtcdConfig, logger *slog.Logger, fatal core.FatalHandler) (*EtcdStore, error) {
	if cfg.Namespace != "" {
		client.KV = etcdNamespace.NewKV(client.KV, cfg.Namespace)
		client.Watcher = etcdNamespace.NewWatcher(client.Watcher, cfg.Namespace)
		client.Lease = etcdNamespace.NewLease(client.Lease, cfg.Namespace)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot create etcd session: %w", err)
	}

	storeCtx, cancel := context.WithCancel(context.Background())
	s := &EtcdStore{
		client:  client,
		session: session,
		logger:  logger.With("component", "coord", "backend", "etcd"),
		ctx:     storeCtx,
		cancel:  cancel,
	}
	s.logger.Info("Created etcd session", "lease", int64(session.Lease()), "ttl_seconds", cfg.SessionTTL)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-session.Done():
			if s.closing.Load() {
				return
			}
			s.logger.Error("etcd session expired, ephemeral nodes are gone")
			if fatal != nil {
				fatal.HandleFatal(core.NewFatalError("coordination session", ErrSessionExpired))
			}
		case <-storeCtx.Done():
		}
	}()
	return s, nil
}

func (s *EtcdStore) CreateNode(ctx context.Context, path string, mode CreateMode) error {
	if s.closing.Load() {
		return ErrClosed
	}
	if err := ValidatePath(path); err != nil {
		return err
	}

	parentPath := parentOf(path)
	cmps := []etcd.Cmp{etcd.Compare(etcd.CreateRevision(path), "=", 0)}
	if parentPath != "/" {
		parent, err := s.client.Get(ctx, parentPath)
		if err != nil {
			return fmt.Errorf("failed to read parent of %s: %w", path, err)
		}
		if len(parent.Kvs) == 0 {
			return fmt.Errorf("parent of %s: %w", path, ErrNoNode)
		}
		if parent.Kvs[0].Lease != 0 {
			return fmt.Errorf("%s: %w", path, ErrEphemeralParent)
		}
		cmps = append(cmps, etcd.Compare(etcd.CreateRevision(parentPath), ">", 0))
	}

	var opts []etcd.OpOption
	if mode == Ephemeral {
		opts = append(opts, etcd.WithLease(s.session.Lease()))
	}
	resp, err := s.client.Txn(ctx).If(cmps...).Then(etcd.OpPut(path, "", opts...)).Commit()
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if resp.Succeeded {
		return nil
	}

	existing, err := s.client.Get(ctx, path, etcd.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(existing.Kvs) > 0 {
		return fmt.Errorf("%s: %w", path, ErrNodeExists)
	}
	// The parent vanished between the read and the transaction.
	return fmt.Errorf("parent of %s: %w", path, ErrNoNode)
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

// directChild returns the child name when key is a direct child of prefix.
func directChild(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name := key[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (s *EtcdStore) Children(ctx context.Context, path string, watcher Watcher) ([]string, error) {
	if s.closing.Load() {
		return nil, ErrClosed
	}
	if path != "/" {
		if err := ValidatePath(path); err != nil {
			return nil, err
		}
	}
	prefix := childPrefix(path)

	// Read the node and its subtree at one revision so the watch starts
	// exactly after what was listed.
	ops := []etcd.Op{etcd.OpGet(prefix, etcd.WithPrefix(), etcd.WithKeysOnly())}
	if path != "/" {
		ops = append(ops, etcd.OpGet(path, etcd.WithKeysOnly()))
	}
	resp, err := s.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	if path != "/" && len(resp.Responses[1].GetResponseRange().Kvs) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoNode)
	}

	var children []string
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		if name, ok := directChild(prefix, string(kv.Key)); ok {
			children = append(children, name)
		}
	}

	if watcher != nil {
		s.watchChildren(ctx, path, prefix, resp.Header.Revision+1, watcher)
	}
	return children, nil
}

// watchChildren fires watcher once, on the first creation or deletion of a
// direct child of path after rev. The watch ends without firing when ctx or
// the store is done.
func (s *EtcdStore) watchChildren(ctx context.Context, path, prefix string, rev int64, watcher Watcher) {
	wctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	ch := s.client.Watch(wctx, prefix, etcd.WithPrefix(), etcd.WithRev(rev))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		for wresp := range ch {
			if wctx.Err() != nil {
				return
			}
			if err := wresp.Err(); err != nil {
				// Compaction or a broken stream: the caller re-lists on the
				// event and installs a fresh watch.
				s.logger.Warn("etcd watch failed, forcing a re-list", "path", path, "error", err)
				watcher.WatchFired(Event{Type: EventChildrenChanged, Path: path})
				return
			}
			for _, ev := range wresp.Events {
				if _, ok := directChild(prefix, string(ev.Kv.Key)); !ok {
					continue
				}
				if ev.Type == mvccpb.DELETE || ev.IsCreate() {
					watcher.WatchFired(Event{Type: EventChildrenChanged, Path: path})
					return
				}
			}
		}
	}()
}

// Close revokes the session lease, deleting this store's ephemeral nodes,
// and closes the client.
func (s *EtcdStore) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	var errs []error
	if err := s.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close etcd session: %w", err))
	}
	s.wg.Wait()
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close etcd client: %w", err))
	}
	return errors.Join(errs...)
}
