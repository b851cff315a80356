package leaselock

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	token   string
	expires time.Time
}

// localBackend keeps leases in process memory, for single-node deployments
// and tests.
type localBackend struct {
	mu    sync.Mutex
	locks map[string]localEntry
	now   func() time.Time
}

func NewLocal() *Client {
	return &Client{backend: newLocalBackend(time.Now)}
}

func newLocalBackend(now func() time.Time) *localBackend {
	return &localBackend{locks: make(map[string]localEntry), now: now}
}

func (b *localBackend) tryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cur, held := b.locks[key]
	if held && cur.token != token && now.Before(cur.expires) {
		return false, nil
	}
	b.locks[key] = localEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *localBackend) renew(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, held := b.locks[key]
	if !held || cur.token != token {
		return false, nil
	}
	b.locks[key] = localEntry{token: token, expires: b.now().Add(ttl)}
	return true, nil
}

func (b *localBackend) release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, held := b.locks[key]; held && cur.token == token {
		delete(b.locks, key)
	}
	return nil
}
