// Package lock provides keyed mutual exclusion for mutable aggregates:
// ledger rows, VMs and hosts.
package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Locker acquires a set of named locks. Implementations lock keys in sorted
// order so that callers holding overlapping key sets cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Release, error)
}

// Release frees the locks taken by a single Lock call.
type Release func()

// Key helpers so that every caller builds lock names the same way.
func LedgerKey(ownerID, resourceType string) string { return "ledger/" + ownerID + "/" + resourceType }
func VMKey(vmID string) string                      { return "vm/" + vmID }
func HostKey(hostID string) string                  { return "host/" + hostID }
func PlacementKey(clusterID string) string          { return "placement/" + clusterID }
func VolumeKey(volumeID string) string              { return "volume/" + volumeID }

// SortedKeys returns the de-duplicated keys in lock order.
func SortedKeys(keys []string) []string {
	out := lo.Uniq(keys)
	sort.Strings(out)
	return out
}

// KeyedLocker is an in-process Locker. Waiting respects context cancellation.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates an empty in-process locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*entry)}
}

var _ Locker = (*KeyedLocker)(nil)

// Lock acquires every key or none of them.
func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (Release, error) {
	keys = SortedKeys(keys)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.releaseAll(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held) })
	}, nil
}

func (l *KeyedLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, e)
		return ctx.Err()
	}
}

func (l *KeyedLocker) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[keys[i]]
		l.mu.Unlock()
		<-e.ch
		l.unref(keys[i], e)
	}
}

func (l *KeyedLocker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
