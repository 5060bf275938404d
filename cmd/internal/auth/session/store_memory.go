package session

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryRefreshStore is an in-process RefreshTokenStore for tests and
// single-node development.
type MemoryRefreshStore struct {
	mu     sync.Mutex
	byHash map[string]RefreshToken
}

// NewMemoryRefreshStore returns an empty in-memory refresh token store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{byHash: make(map[string]RefreshToken)}
}

var _ RefreshTokenStore = (*MemoryRefreshStore)(nil)

func (s *MemoryRefreshStore) Create(_ context.Context, rt RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rt)
}

func (s *MemoryRefreshStore) insertLocked(rt RefreshToken) error {
	if _, ok := s.byHash[rt.TokenHash]; ok {
		return ErrDuplicateToken
	}
	rt.TokenValue = ""
	if rt.ID == "" {
		rt.ID = ulid.Make().String()
	}
	s.byHash[rt.TokenHash] = rt
	return nil
}

func (s *MemoryRefreshStore) GetByHash(_ context.Context, hash string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.byHash[hash]
	if !ok {
		return RefreshToken{}, ErrRefreshNotFound
	}
	return rt, nil
}

func (s *MemoryRefreshStore) Rotate(_ context.Context, now time.Time, hash string, next NextRefresh) (RefreshToken, RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byHash[hash]
	if !ok {
		return RefreshToken{}, RefreshToken{}, ErrRefreshNotFound
	}
	if !cur.Consumable(now) {
		return cur, RefreshToken{}, ErrNotConsumable
	}

	consumed := cur
	consumed.IsUsed = true

	repl, err := next(consumed)
	if err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}
	if err := s.insertLocked(repl); err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}
	s.byHash[hash] = consumed
	return consumed, repl, nil
}

func (s *MemoryRefreshStore) Revoke(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.byHash[hash]
	if !ok {
		return ErrRefreshNotFound
	}
	rt.IsRevoked = true
	s.byHash[hash] = rt
	return nil
}

func (s *MemoryRefreshStore) RevokeAll(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, rt := range s.byHash {
		if rt.UserID == userID && !rt.IsRevoked {
			rt.IsRevoked = true
			s.byHash[h] = rt
			n++
		}
	}
	return n, nil
}

func (s *MemoryRefreshStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, rt := range s.byHash {
		if !now.Before(rt.ExpiresAt) {
			delete(s.byHash, h)
			n++
		}
	}
	return n, nil
}

func (s *MemoryRefreshStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, rt := range s.byHash {
		if rt.UserID == userID {
			delete(s.byHash, h)
			n++
		}
	}
	return n, nil
}

// MemoryBlacklist is an in-process BlacklistStore.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]BlacklistEntry
}

// NewMemoryBlacklist returns an empty in-memory blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]BlacklistEntry)}
}

var _ BlacklistStore = (*MemoryBlacklist)(nil)

func (b *MemoryBlacklist) Add(_ context.Context, e BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[e.TokenID]; ok {
		return nil
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	b.entries[e.TokenID] = e
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, tokenID string, now time.Time) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[tokenID]
	return ok && now.Before(e.ExpiresAt), nil
}

func (b *MemoryBlacklist) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, e := range b.entries {
		if !now.Before(e.ExpiresAt) {
			delete(b.entries, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBlacklist) DeleteByUser(_ context.Context, userID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, e := range b.entries {
		if e.UserID == userID {
			delete(b.entries, id)
			n++
		}
	}
	return n, nil
}
