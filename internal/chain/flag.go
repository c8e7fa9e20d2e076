package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const activeChainKey = "/clearnet/active-chain"

// FlagStore holds the replicated active-chain flag. Every settler instance
// reads the same flag, so two instances can never settle against different
// chains at once.
type FlagStore interface {
	ActiveChain(ctx context.Context) (ID, error)
	SetActiveChain(ctx context.Context, id ID) error
	// WithLock runs fn while holding the cluster-wide switchover lock.
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// EtcdFlag is the production flag store.
type EtcdFlag struct {
	cli *clientv3.Client
}

// NewEtcdFlag creates a flag store over the given endpoints.
func NewEtcdFlag(endpoints []string) (*EtcdFlag, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdFlag{cli: cli}, nil
}

func (f *EtcdFlag) ActiveChain(ctx context.Context) (ID, error) {
	resp, err := f.cli.Get(ctx, activeChainKey)
	if err != nil {
		return "", fmt.Errorf("failed to read active chain: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Primary, nil
	}
	return ID(resp.Kvs[0].Value), nil
}

func (f *EtcdFlag) SetActiveChain(ctx context.Context, id ID) error {
	if _, err := f.cli.Put(ctx, activeChainKey, string(id)); err != nil {
		return fmt.Errorf("failed to set active chain: %w", err)
	}
	return nil
}

func (f *EtcdFlag) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := concurrency.NewSession(f.cli, concurrency.WithTTL(30))
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, activeChainKey+"/lock")
	if err := mutex.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire switchover lock: %w", err)
	}
	defer mutex.Unlock(context.Background())

	return fn(ctx)
}

// Close releases the etcd client.
func (f *EtcdFlag) Close() error {
	return f.cli.Close()
}

// MemoryFlag is a process-local flag store for tests and single-node runs.
type MemoryFlag struct {
	mu     sync.Mutex
	active ID
}

// NewMemoryFlag creates a flag store with the given initial chain.
func NewMemoryFlag(initial ID) *MemoryFlag {
	return &MemoryFlag{active: initial}
}

func (f *MemoryFlag) ActiveChain(ctx context.Context) (ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == "" {
		return Primary, nil
	}
	return f.active, nil
}

func (f *MemoryFlag) SetActiveChain(ctx context.Context, id ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = id
	return nil
}

func (f *MemoryFlag) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
