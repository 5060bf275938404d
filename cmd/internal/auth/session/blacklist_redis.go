package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "keeper:blacklist:"

// RedisBlacklist implements BlacklistStore on Redis for deployments where
// several instances share one low-latency revocation set.
//
// Layout:
//
//	<prefix>jti:<token id>   string, value = expiry unix ms, EXAT = expiry rounded up to the second
//	<prefix>user:<user id>   sorted set of token ids scored by expiry unix ms
type RedisBlacklist struct {
	client redis.UniversalClient
	prefix string
}

var _ BlacklistStore = (*RedisBlacklist)(nil)

// NewRedisBlacklist wraps client. An empty prefix selects "keeper:blacklist:".
func NewRedisBlacklist(client redis.UniversalClient, prefix string) *RedisBlacklist {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBlacklist{client: client, prefix: prefix}
}

func (b *RedisBlacklist) jtiKey(tokenID string) string { return b.prefix + "jti:" + tokenID }
func (b *RedisBlacklist) userKey(userID string) string { return b.prefix + "user:" + userID }

// Add stores the entry with an absolute expiry. SET NX keeps the first entry.
func (b *RedisBlacklist) Add(ctx context.Context, e BlacklistEntry) error {
	if !e.BlacklistedAt.IsZero() && !e.ExpiresAt.After(e.BlacklistedAt) {
		return nil
	}
	expMS := e.ExpiresAt.UnixMilli()
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetArgs(ctx, b.jtiKey(e.TokenID), strconv.FormatInt(expMS, 10), redis.SetArgs{
			Mode:     "NX",
			ExpireAt: expireAtSecond(e.ExpiresAt),
		})
		if e.UserID != "" {
			p.ZAdd(ctx, b.userKey(e.UserID), redis.Z{Score: float64(expMS), Member: e.TokenID})
		}
		return nil
	})
	// SET NX on an existing key replies nil, which the pipeline reports as redis.Nil.
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// expireAtSecond rounds t up to a whole second. SET ... EXAT takes seconds,
// and the key must not vanish before the millisecond expiry it stores.
func expireAtSecond(t time.Time) time.Time {
	s := t.Truncate(time.Second)
	if s.Before(t) {
		s = s.Add(time.Second)
	}
	return s
}

// Contains checks the stored expiry against now rather than trusting the
// Redis clock alone.
func (b *RedisBlacklist) Contains(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	v, err := b.client.Get(ctx, b.jtiKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	expMS, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Unparseable value: the key exists, so treat it as blacklisted.
		return true, nil
	}
	return now.UnixMilli() < expMS, nil
}

// DeleteExpired trims the per-user indexes. Entry keys expire on their own.
func (b *RedisBlacklist) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	var removed int64
	iter := b.client.Scan(ctx, 0, b.prefix+"user:*", 256).Iterator()
	for iter.Next(ctx) {
		n, err := b.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", maxScore).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, iter.Err()
}

// DeleteByUser removes every entry indexed under userID.
func (b *RedisBlacklist) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	idx := b.userKey(userID)
	ids, err := b.client.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, b.jtiKey(id))
	}
	var n int64
	if len(keys) > 0 {
		n, err = b.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, err
		}
	}
	if err := b.client.Del(ctx, idx).Err(); err != nil {
		return n, err
	}
	return n, nil
}
