package state

import (
	"context"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdStore keeps state records in etcd, keyed by prefix + path.
// Unlike FileStore it can lock a record so that two processes never drive
// the same instance at once.
type EtcdStore struct {
	client  *clientv3.Client
	kv      clientv3.KV
	prefix  string
	lockTTL int
}

// NewEtcdStore connects to etcd
func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration, lockTTL int) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli, kv: cli, prefix: prefix, lockTTL: lockTTL}, nil
}

func (s *EtcdStore) key(p string) string {
	return path.Join(s.prefix, p)
}

// Load retrieves the record stored under path
func (s *EtcdStore) Load(ctx context.Context, p string) (State, error) {
	resp, err := s.kv.Get(ctx, s.key(p))
	if err != nil {
		return State{}, fmt.Errorf("failed to get state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return State{}, fmt.Errorf("%s: %w", s.key(p), ErrNotFound)
	}
	return decode(s.key(p), resp.Kvs[0].Value)
}

// Save stores the record under path
func (s *EtcdStore) Save(ctx context.Context, p string, st State) error {
	data, err := encode(s.key(p), st)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, s.key(p), string(data)); err != nil {
		return fmt.Errorf("failed to save state to etcd: %w", err)
	}
	return nil
}

// Delete removes the record under path
func (s *EtcdStore) Delete(ctx context.Context, p string) error {
	if _, err := s.kv.Delete(ctx, s.key(p)); err != nil {
		return fmt.Errorf("failed to delete state from etcd: %w", err)
	}
	return nil
}

// Lock takes a distributed mutex on the record. The lease expires after the
// configured TTL if this process dies without releasing it.
func (s *EtcdStore) Lock(ctx context.Context, p string) (func() error, error) {
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(s.lockTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	mu := concurrency.NewMutex(session, s.key(p)+".lock")
	if err := mu.Lock(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to lock state %s: %w", p, err)
	}
	return func() error {
		defer session.Close()
		return mu.Unlock(context.Background())
	}, nil
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
