// Package etcd provides etcd-backed distributed locking and leader election
// for running several control plane replicas against the same database.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/lock"
)

const (
	locksPrefix   = "/quantix/locks/"
	leadersPrefix = "/quantix/leaders/"
	sessionTTL    = 30 // seconds
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with leader election and distributed locking.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// A single session backs every lock and campaign so that a crashed
	// replica releases all of them when its lease expires.
	session, err := concurrency.NewSession(client, concurrency.WithTTL(sessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Distributed Locking
// =============================================================================

// Locker is a lock.Locker whose keys are etcd mutexes, so VM, host and
// ledger row locks hold across replicas.
type Locker struct {
	client *Client
}

// NewLocker returns a distributed Locker on the client's session.
func NewLocker(c *Client) *Locker {
	return &Locker{client: c}
}

var _ lock.Locker = (*Locker)(nil)

// Lock acquires every key in sorted order, or none of them.
func (l *Locker) Lock(ctx context.Context, keys ...string) (lock.Release, error) {
	keys = lock.SortedKeys(keys)
	held := make([]*concurrency.Mutex, 0, len(keys))

	unlockAll := func() {
		// Unlock must run even when the caller's context is done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(ctx); err != nil {
				l.client.logger.Warn("Failed to release lock",
					zap.String("key", held[i].Key()),
					zap.Error(err),
				)
			}
		}
	}

	for _, key := range keys {
		mutex := concurrency.NewMutex(l.client.session, lockPath(key))
		if err := mutex.Lock(ctx); err != nil {
			unlockAll()
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		held = append(held, mutex)
	}

	l.client.logger.Debug("Acquired locks", zap.Strings("keys", keys))

	var once sync.Once
	return func() { once.Do(unlockAll) }, nil
}

func lockPath(key string) string {
	return locksPrefix + strings.TrimPrefix(key, "/")
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader represents a leader election participant. Background loops (HA,
// DRS, expunge, snapshot polling) run only while IsLeader is true.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign.
func (c *Client) CampaignForLeader(ctx context.Context, name, candidate string, callback LeaderCallback) *Leader {
	leader := &Leader{
		election: concurrency.NewElection(c.session, leadersPrefix+name),
		client:   c,
		name:     name,
	}

	go leader.campaign(ctx, candidate, callback)
	return leader
}

func (l *Leader) campaign(ctx context.Context, candidate string, callback LeaderCallback) {
	logger := l.client.logger.With(zap.String("election", l.name))
	for {
		if err := l.election.Campaign(ctx, candidate); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Leader campaign failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		l.isLeader.Store(true)
		logger.Info("Became leader", zap.String("candidate", candidate))
		if callback != nil {
			callback(true)
		}

		select {
		case <-ctx.Done():
			l.isLeader.Store(false)
			return
		case <-l.client.session.Done():
			l.isLeader.Store(false)
			logger.Warn("Lost leadership, etcd session expired")
			if callback != nil {
				callback(false)
			}
			return
		}
	}
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.isLeader.Load() {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("election", l.name))
	return nil
}

// GetLeader returns the current leader's candidate value.
func (c *Client) GetLeader(ctx context.Context, name string) (string, error) {
	election := concurrency.NewElection(c.session, leadersPrefix+name)

	resp, err := election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get leader: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}

	return string(resp.Kvs[0].Value), nil
}
