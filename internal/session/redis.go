package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the enhanced Store backend: sessions and pending auth states
// are cache entries with native TTLs, and a per-user set indexes live
// session ids to support concurrent-session enforcement and inactivity
// sweeps without a full scan.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Enhanced() bool { return true }

func sessionKey(id string) string        { return "session:" + id }
func userSessionsKey(ext string) string  { return "user_sessions:" + ext }
func authStateKey(state string) string   { return "auth_state:" + state }

func (r *RedisStore) CreateSession(ctx context.Context, s *Session) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling session: %w", err)
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), raw, ttl)
	if s.ExternalID != "" {
		pipe.SAdd(ctx, userSessionsKey(s.ExternalID), s.ID)
		pipe.Expire(ctx, userSessionsKey(s.ExternalID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("writing session: %w", err)
	}
	return s.ID, nil
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, bool, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &s, true, nil
}

func (r *RedisStore) UpdateSession(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), raw, ttl)
	if s.ExternalID != "" {
		pipe.Expire(ctx, userSessionsKey(s.ExternalID), ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	s, ok, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	if ok && s.ExternalID != "" {
		pipe.SRem(ctx, userSessionsKey(s.ExternalID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) StoreAuthState(ctx context.Context, s *AuthorizationState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling auth state: %w", err)
	}
	return r.rdb.Set(ctx, authStateKey(s.State), raw, authStateTTL).Err()
}

func (r *RedisStore) PeekAuthState(ctx context.Context, key string) (*AuthorizationState, bool, error) {
	raw, err := r.rdb.Get(ctx, authStateKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading auth state: %w", err)
	}
	var s AuthorizationState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("unmarshaling auth state: %w", err)
	}
	return &s, true, nil
}

// TakeAuthState is the atomic get-and-delete primitive: GetDel makes
// concurrent callers race on Redis itself, so at most one caller observes a
// non-nil result for a given state (spec invariant 2).
func (r *RedisStore) TakeAuthState(ctx context.Context, key string) (*AuthorizationState, bool, error) {
	raw, err := r.rdb.GetDel(ctx, authStateKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taking auth state: %w", err)
	}
	var s AuthorizationState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("unmarshaling auth state: %w", err)
	}
	return &s, true, nil
}

func (r *RedisStore) ListUserSessions(ctx context.Context, externalID string) ([]*Session, error) {
	ids, err := r.rdb.SMembers(ctx, userSessionsKey(externalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}

	var out []*Session
	for _, id := range ids {
		s, ok, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Stale index entry — opportunistically drop it.
			r.rdb.SRem(ctx, userSessionsKey(externalID), id)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) CountUserSessions(ctx context.Context, externalID string) (int, error) {
	n, err := r.rdb.SCard(ctx, userSessionsKey(externalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting user sessions: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) DeleteUserSessions(ctx context.Context, externalID string) error {
	sessions, err := r.ListUserSessions(ctx, externalID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := r.DeleteSession(ctx, s.ID); err != nil {
			return err
		}
	}
	return r.rdb.Del(ctx, userSessionsKey(externalID)).Err()
}

// Cleanup is a no-op: Redis TTLs already expire sessions and auth states.
func (r *RedisStore) Cleanup(_ context.Context) error { return nil }
