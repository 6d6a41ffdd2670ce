package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// redisMaxRetries bounds optimistic transaction retries under contention.
const redisMaxRetries = 10

// RedisStateStore is a StateStore backed by Redis. Key layout:
//
//	<prefix>flowstate:<trackedFlowID>   => JSON-encoded FlowState
//	<prefix>flowstate:user:<userID>     => trackedFlowID of the user's active flow
//
// Every mutation runs inside WATCH/MULTI.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore creates a RedisStateStore. prefix defaults to "flowpipe:".
func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "flowpipe:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) keyState(id string) string {
	return s.prefix + "flowstate:" + id
}

func (s *RedisStateStore) keyUser(userID string) string {
	return s.prefix + "flowstate:user:" + userID
}

// watch runs fn under WATCH on keys, retrying when another client wins the race.
func (s *RedisStateStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		slog.Debug("RedisStateStore.watch: transaction conflict, retrying", "attempt", i+1, "keys", keys)
	}
	return fmt.Errorf("redis transaction on %v: too many conflicts", keys)
}

func getState(ctx context.Context, c redis.Cmdable, key string) (*models.FlowState, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st models.FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode flow state %s: %w", key, err)
	}
	return &st, nil
}

func getPointer(ctx context.Context, c redis.Cmdable, key string) (string, error) {
	id, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *RedisStateStore) CreateFlowState(ctx context.Context, state models.FlowState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flow state: %w", err)
	}

	userKey := s.keyUser(state.UserID)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := getPointer(ctx, tx, userKey)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != state.TrackedFlowID {
				pipe.Del(ctx, s.keyState(prev))
			}
			pipe.Set(ctx, s.keyState(state.TrackedFlowID), data, 0)
			pipe.Set(ctx, userKey, state.TrackedFlowID, 0)
			return nil
		})
		return err
	}, userKey)
	if err != nil {
		slog.Error("RedisStateStore.CreateFlowState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("create flow state for %s: %w", state.UserID, err)
	}
	slog.Debug("RedisStateStore.CreateFlowState succeeded", "userID", state.UserID, "trackedFlowID", state.TrackedFlowID)
	return nil
}

func (s *RedisStateStore) GetFlowState(ctx context.Context, userID string) (*models.FlowState, error) {
	id, err := getPointer(ctx, s.client, s.keyUser(userID))
	if err != nil {
		return nil, fmt.Errorf("get flow state pointer for %s: %w", userID, err)
	}
	if id == "" {
		return nil, nil
	}
	st, err := getState(ctx, s.client, s.keyState(id))
	if err != nil {
		return nil, fmt.Errorf("get flow state for %s: %w", userID, err)
	}
	return st, nil
}

func (s *RedisStateStore) AdvanceFlowState(ctx context.Context, trackedFlowID string, adv models.FlowAdvance) (*models.FlowState, error) {
	key := s.keyState(trackedFlowID)
	var out *models.FlowState
	err := s.watch(ctx, func(tx *redis.Tx) error {
		st, err := getState(ctx, tx, key)
		if err != nil {
			return err
		}
		if st == nil {
			return models.ErrNotFound
		}
		st.Apply(adv, time.Now().UTC())
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = st
		}
		return err
	}, key)
	if err != nil {
		return nil, fmt.Errorf("advance flow state %s: %w", trackedFlowID, err)
	}
	return out, nil
}

func (s *RedisStateStore) DeleteFlowState(ctx context.Context, trackedFlowID string) error {
	key := s.keyState(trackedFlowID)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		st, err := getState(ctx, tx, key)
		if err != nil {
			return err
		}
		if st == nil {
			return models.ErrNotFound
		}
		userKey := s.keyUser(st.UserID)
		ptr, err := getPointer(ctx, tx, userKey)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if ptr == trackedFlowID {
				pipe.Del(ctx, userKey)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("delete flow state %s: %w", trackedFlowID, err)
	}
	return nil
}

func (s *RedisStateStore) DeleteUserFlowStates(ctx context.Context, userID string) (int, error) {
	userKey := s.keyUser(userID)
	removed := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		removed = 0
		id, err := getPointer(ctx, tx, userKey)
		if err != nil || id == "" {
			return err
		}
		var del *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, s.keyState(id))
			pipe.Del(ctx, userKey)
			return nil
		})
		if err != nil {
			return err
		}
		if del.Val() > 0 {
			removed = 1
		}
		return nil
	}, userKey)
	if err != nil {
		return 0, fmt.Errorf("delete flow states for %s: %w", userID, err)
	}
	return removed, nil
}
