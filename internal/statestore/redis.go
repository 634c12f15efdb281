package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"preserve-go/internal/pv"
)

// RedisStateStore implements pv.StateStore on Redis. Keys:
//
//	<prefix>state:<request id>    live entry (JSON)
//	<prefix>outstanding           set of live request ids
//	<prefix>event:<object id>     correlation id
//	<prefix>history:<request id>  journal (list of JSON transitions)
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

var _ pv.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore connects to addr and verifies the connection.
func NewRedisStateStore(addr, password string, db int, prefix string) (*RedisStateStore, error) {
	if prefix == "" {
		prefix = "pv:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStateStore{client: client, prefix: prefix}, nil
}

func (r *RedisStateStore) stateKey(id string) string   { return r.prefix + "state:" + id }
func (r *RedisStateStore) eventKey(id string) string   { return r.prefix + "event:" + id }
func (r *RedisStateStore) historyKey(id string) string { return r.prefix + "history:" + id }
func (r *RedisStateStore) outstandingKey() string      { return r.prefix + "outstanding" }

func (r *RedisStateStore) Put(ctx context.Context, st *pv.RequestState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state of %s: %w", st.RequestID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.stateKey(st.RequestID), data, 0)
		p.SAdd(ctx, r.outstandingKey(), st.RequestID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing state of %s: %w", st.RequestID, err)
	}
	return nil
}

func (r *RedisStateStore) Get(ctx context.Context, requestID string) (*pv.RequestState, error) {
	data, err := r.client.Get(ctx, r.stateKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading state of %s: %w", requestID, err)
	}
	var st pv.RequestState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", requestID, err)
	}
	return &st, nil
}

func (r *RedisStateStore) Delete(ctx context.Context, requestID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.stateKey(requestID))
		p.SRem(ctx, r.outstandingKey(), requestID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting state of %s: %w", requestID, err)
	}
	return nil
}

func (r *RedisStateStore) ListOutstandingIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.outstandingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing outstanding requests: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *RedisStateStore) EventID(ctx context.Context, objectID string, newID func() string) (string, error) {
	key := r.eventKey(objectID)
	id, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("loading event id of %s: %w", objectID, err)
	}
	id = newID()
	created, err := r.client.SetNX(ctx, key, id, 0).Result()
	if err != nil {
		return "", fmt.Errorf("storing event id of %s: %w", objectID, err)
	}
	if created {
		return id, nil
	}
	// Another process won the race; its id stands.
	id, err = r.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("loading event id of %s: %w", objectID, err)
	}
	return id, nil
}

func (r *RedisStateStore) RecordTransition(ctx context.Context, t pv.Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding transition: %w", err)
	}
	if err := r.client.RPush(ctx, r.historyKey(t.RequestID), data).Err(); err != nil {
		return fmt.Errorf("journaling %s of %s: %w", t.State, t.RequestID, err)
	}
	return nil
}

func (r *RedisStateStore) History(ctx context.Context, requestID string) ([]pv.Transition, error) {
	items, err := r.client.LRange(ctx, r.historyKey(requestID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", requestID, err)
	}
	out := make([]pv.Transition, 0, len(items))
	for _, item := range items {
		var t pv.Transition
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decoding transition of %s: %w", requestID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Cleanup deletes every key under the store's prefix.
func (r *RedisStateStore) Cleanup(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del failed: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisStateStore) Close() error {
	return r.client.Close()
}
