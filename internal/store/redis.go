package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL       = 30 * time.Second
	lockWait      = 10 * time.Second
	lockPoll      = 25 * time.Millisecond
	opMaxAttempts = 3
	opRetryDelay  = 100 * time.Millisecond
)

// releaseScript deletes a lock key only when the owner token still matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore is the reference entity store backend.
// Params: redis client and key naming shared with the memory backend.
// Returns: redis-backed store implementation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies availability.
// Params: connection URL (redis://...).
// Returns: initialized store or connection error.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// withRetry retries one operation on transient backend errors.
// Params: context and operation closure.
// Returns: last error after bounded attempts.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < opMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil || errors.Is(lastErr, ErrNotFound) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		timer := time.NewTimer(opRetryDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// Get unmarshals one record into out.
// Params: class, id, and JSON-unmarshal target.
// Returns: ErrNotFound when absent.
func (s *RedisStore) Get(ctx context.Context, class, id string, out any) error {
	return withRetry(ctx, func() error {
		body, err := s.client.Get(ctx, bodyKey(class, id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("get %s %s: %w", class, id, err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", class, id, err)
		}
		return nil
	})
}

// Save upserts one record and refreshes its index memberships.
// Params: entity with class/id (and optional Indexes).
// Returns: encode or backend error.
func (s *RedisStore) Save(ctx context.Context, entity Entity) error {
	body, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", entity.Class(), entity.EntityID(), err)
	}
	return withRetry(ctx, func() error {
		if err := s.dropIndexes(ctx, entity.Class(), entity.EntityID()); err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, bodyKey(entity.Class(), entity.EntityID()), body, 0)
		if indexed, ok := entity.(Indexed); ok {
			values := indexed.Indexes()
			recorded, err := json.Marshal(values)
			if err != nil {
				return fmt.Errorf("encode indexes %s %s: %w", entity.Class(), entity.EntityID(), err)
			}
			pipe.HSet(ctx, entity.Class()+":indexed", entity.EntityID(), recorded)
			for field, fieldValues := range values {
				for _, value := range fieldValues {
					pipe.SAdd(ctx, indexKey(entity.Class(), field, value), entity.EntityID())
				}
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("save %s %s: %w", entity.Class(), entity.EntityID(), err)
		}
		return nil
	})
}

// dropIndexes removes previously recorded index memberships for one record.
// Params: class and id.
// Returns: backend error.
func (s *RedisStore) dropIndexes(ctx context.Context, class, id string) error {
	recorded, err := s.client.HGet(ctx, class+":indexed", id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read indexes %s %s: %w", class, id, err)
	}
	var values map[string][]string
	if err := json.Unmarshal(recorded, &values); err != nil {
		return fmt.Errorf("decode indexes %s %s: %w", class, id, err)
	}
	pipe := s.client.TxPipeline()
	for field, fieldValues := range values {
		for _, value := range fieldValues {
			pipe.SRem(ctx, indexKey(class, field, value), id)
		}
	}
	pipe.HDel(ctx, class+":indexed", id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drop indexes %s %s: %w", class, id, err)
	}
	return nil
}

// Delete removes one record, its indexes, and its relation fields.
// Params: entity with class/id.
// Returns: backend error.
func (s *RedisStore) Delete(ctx context.Context, entity Entity) error {
	return withRetry(ctx, func() error {
		if err := s.dropIndexes(ctx, entity.Class(), entity.EntityID()); err != nil {
			return err
		}
		prefix := entity.Class() + ":" + entity.EntityID() + ":*"
		keys, err := s.client.Keys(ctx, prefix).Result()
		if err != nil {
			return fmt.Errorf("scan relations %s %s: %w", entity.Class(), entity.EntityID(), err)
		}
		keys = append(keys, bodyKey(entity.Class(), entity.EntityID()))
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("delete %s %s: %w", entity.Class(), entity.EntityID(), err)
		}
		return nil
	})
}

// FindByIndex returns ids carrying one indexed value.
// Params: class, index field, and value.
// Returns: sorted id list (empty when none).
func (s *RedisStore) FindByIndex(ctx context.Context, class, field, value string) ([]string, error) {
	var ids []string
	err := withRetry(ctx, func() error {
		members, err := s.client.SMembers(ctx, indexKey(class, field, value)).Result()
		if err != nil {
			return fmt.Errorf("index %s/%s: %w", class, field, err)
		}
		sort.Strings(members)
		ids = members
		return nil
	})
	return ids, err
}

// SetAdd adds members to one relation set.
func (s *RedisStore) SetAdd(ctx context.Context, class, id, field string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		return s.client.SAdd(ctx, relationKey(class, id, field), toAny(members)...).Err()
	})
}

// SetRemove removes members from one relation set.
func (s *RedisStore) SetRemove(ctx context.Context, class, id, field string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		return s.client.SRem(ctx, relationKey(class, id, field), toAny(members)...).Err()
	})
}

// SetMembers lists one relation set.
// Params: class, id, and field.
// Returns: sorted member list.
func (s *RedisStore) SetMembers(ctx context.Context, class, id, field string) ([]string, error) {
	var members []string
	err := withRetry(ctx, func() error {
		result, err := s.client.SMembers(ctx, relationKey(class, id, field)).Result()
		if err != nil {
			return err
		}
		sort.Strings(result)
		members = result
		return nil
	})
	return members, err
}

// SetClear drops one relation set entirely.
func (s *RedisStore) SetClear(ctx context.Context, class, id, field string) error {
	return withRetry(ctx, func() error {
		return s.client.Del(ctx, relationKey(class, id, field)).Err()
	})
}

// SortedAdd upserts one scored member.
func (s *RedisStore) SortedAdd(ctx context.Context, class, id, field string, score float64, member string) error {
	return withRetry(ctx, func() error {
		return s.client.ZAdd(ctx, relationKey(class, id, field), redis.Z{Score: score, Member: member}).Err()
	})
}

// SortedRange lists members with lo <= score <= hi in score order.
func (s *RedisStore) SortedRange(ctx context.Context, class, id, field string, lo, hi float64) ([]string, error) {
	var members []string
	err := withRetry(ctx, func() error {
		result, err := s.client.ZRangeByScore(ctx, relationKey(class, id, field), &redis.ZRangeBy{
			Min: formatScore(lo),
			Max: formatScore(hi),
		}).Result()
		if err != nil {
			return err
		}
		members = result
		return nil
	})
	return members, err
}

// SortedRemove removes members from one scored set.
func (s *RedisStore) SortedRemove(ctx context.Context, class, id, field string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		return s.client.ZRem(ctx, relationKey(class, id, field), toAny(members)...).Err()
	})
}

// SortedTrim keeps only the keep highest-scored members.
func (s *RedisStore) SortedTrim(ctx context.Context, class, id, field string, keep int) error {
	return withRetry(ctx, func() error {
		if keep <= 0 {
			return s.client.Del(ctx, relationKey(class, id, field)).Err()
		}
		return s.client.ZRemRangeByRank(ctx, relationKey(class, id, field), 0, int64(-keep-1)).Err()
	})
}

// Lock acquires per-class lock keys in sorted order, runs fn, and releases.
// Sorted acquisition keeps concurrent holders deadlock-free.
// Params: context, class list, and critical section.
// Returns: ErrLockTimeout, acquisition error, or fn error.
func (s *RedisStore) Lock(ctx context.Context, classes []string, fn func(ctx context.Context) error) error {
	ordered := append([]string(nil), classes...)
	sort.Strings(ordered)
	token := uuid.NewString()

	acquired := make([]string, 0, len(ordered))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			_, _ = releaseScript.Run(context.Background(), s.client, []string{acquired[i]}, token).Result()
		}
	}

	deadline := time.Now().Add(lockWait)
	for _, class := range ordered {
		key := "lock:" + class
		for {
			ok, err := s.client.SetNX(ctx, key, token, lockTTL).Result()
			if err != nil {
				release()
				return fmt.Errorf("acquire lock %s: %w", class, err)
			}
			if ok {
				acquired = append(acquired, key)
				break
			}
			if time.Now().After(deadline) {
				release()
				return ErrLockTimeout
			}
			timer := time.NewTimer(lockPoll)
			select {
			case <-ctx.Done():
				timer.Stop()
				release()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	defer release()
	return fn(ctx)
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// toAny widens a string slice for variadic redis arguments.
// Params: member list.
// Returns: interface slice.
func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, member := range members {
		out[i] = member
	}
	return out
}

// formatScore renders one score bound for ZRANGEBYSCORE.
// Params: score value (use math.Inf for open bounds).
// Returns: redis score token.
func formatScore(score float64) string {
	switch {
	case score > 1e17:
		return "+inf"
	case score < -1e17:
		return "-inf"
	default:
		return strconv.FormatFloat(score, 'f', -1, 64)
	}
}
