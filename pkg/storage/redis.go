// Copyright 2026 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/idhive/pkg/logger"
)

// RedisStore implements the hot-path capability interfaces (grants, protocol
// state, journey state, sessions) on Redis. Expiry is delegated to Redis
// TTLs, so an expired entry is indistinguishable from a missing one and is
// reported as ErrNotFound. Durable entities (clients, keys, policies, users)
// belong in a durable backend; compose the two at wiring time.
type RedisStore struct {
	client redis.UniversalClient
}

// Capability interfaces RedisStore covers.
var (
	_ GrantStore         = (*RedisStore)(nil)
	_ ProtocolStateStore = (*RedisStore)(nil)
	_ JourneyStateStore  = (*RedisStore)(nil)
	_ SessionStore       = (*RedisStore)(nil)
)

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Infow("redis storage ready", "addr", addr, "db", db)
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, for tests.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Health pings Redis.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func grantKey(key string) string { return "idhive:grant:" + key }

func grantConsumedKey(key string) string { return "idhive:grant:" + key + ":consumed" }

func sessionIndexKey(tenantID, sessionID string) string {
	return fmt.Sprintf("idhive:sessgrants:%s:%s", tenantID, sessionID)
}
func protocolKey(tenantID, id string) string {
	return fmt.Sprintf("idhive:proto:%s:%s", tenantID, id)
}
func journeyKey(tenantID, journeyID string) string {
	return fmt.Sprintf("idhive:journey:%s:%s", tenantID, journeyID)
}
func sessionKey(tenantID, sessionID string) string {
	return fmt.Sprintf("idhive:session:%s:%s", tenantID, sessionID)
}

// -----------------------
// GrantStore
// -----------------------

// StoreGrant persists a grant with its remaining lifetime as the TTL. The
// SET NX either lands before the handle is returned or the call fails.
func (s *RedisStore) StoreGrant(ctx context.Context, grant *PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("grant already expired")
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to serialize grant: %w", err)
	}

	ok, err := s.client.SetNX(ctx, grantKey(grant.Key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: grant key", ErrAlreadyExists)
	}

	if grant.SessionID != "" {
		idx := sessionIndexKey(grant.TenantID, grant.SessionID)
		pipe := s.client.Pipeline()
		pipe.SAdd(ctx, idx, grant.Key)
		// The index outlives its longest member; stale members are
		// filtered on read.
		pipe.Expire(ctx, idx, ttl+time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to index grant: %w", err)
		}
	}
	return nil
}

// UpdateGrant rewrites an existing grant, carrying the remaining lifetime
// forward as the TTL. The SET XX refuses to resurrect a key Redis has
// already expired.
func (s *RedisStore) UpdateGrant(ctx context.Context, grant *PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	if _, err := s.getGrant(ctx, grant.TenantID, grant.Key); err != nil {
		return err
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to serialize grant: %w", err)
	}
	ok, err := s.client.SetXX(ctx, grantKey(grant.Key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	return nil
}

func (s *RedisStore) getGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error) {
	data, err := s.client.Get(ctx, grantKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant: %w", err)
	}
	grant := &PersistedGrant{}
	if err := json.Unmarshal(data, grant); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	if grant.TenantID != "" && grant.TenantID != tenantID {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	return grant, nil
}

// GetGrant returns a grant without consuming it.
func (s *RedisStore) GetGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error) {
	grant, err := s.getGrant(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	consumed, err := s.client.Exists(ctx, grantConsumedKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant marker: %w", err)
	}
	if consumed > 0 {
		now := time.Now()
		grant.ConsumedAt = &now
	}
	return grant, nil
}

// ConsumeGrant redeems a grant exactly once. The consumed marker is claimed
// with SET NX, which Redis serializes: one caller wins, the rest observe the
// marker and get ErrAlreadyConsumed.
func (s *RedisStore) ConsumeGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error) {
	grant, err := s.getGrant(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}

	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	won, err := s.client.SetNX(ctx, grantConsumedKey(key), time.Now().UnixNano(), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}
	if !won {
		return nil, ErrAlreadyConsumed
	}
	return grant, nil
}

// DeleteGrant removes a grant and its consumed marker.
func (s *RedisStore) DeleteGrant(ctx context.Context, tenantID, key string) error {
	if _, err := s.getGrant(ctx, tenantID, key); err != nil {
		return err
	}
	return s.client.Del(ctx, grantKey(key), grantConsumedKey(key)).Err()
}

// ListGrantsBySession returns the live, unconsumed grants attached to a
// session. Members whose grants have expired are pruned from the index.
func (s *RedisStore) ListGrantsBySession(ctx context.Context, tenantID, sessionID string) ([]*PersistedGrant, error) {
	idx := sessionIndexKey(tenantID, sessionID)
	keys, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	var out []*PersistedGrant
	var stale []any
	for _, key := range keys {
		grant, err := s.GetGrant(ctx, tenantID, key)
		switch {
		case errors.Is(err, ErrNotFound):
			stale = append(stale, key)
			continue
		case err != nil:
			return nil, err
		}
		if grant.ConsumedAt == nil {
			out = append(out, grant)
		}
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, idx, stale...).Err()
	}
	return out, nil
}

// -----------------------
// ProtocolStateStore
// -----------------------

// StoreProtocolState persists a protocol correlation record with a TTL.
func (s *RedisStore) StoreProtocolState(ctx context.Context, state *ProtocolState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("protocol state ID cannot be empty")
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		ttl = DefaultProtocolStateTTL
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize protocol state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, protocolKey(state.TenantID, state.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store protocol state: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: protocol state", ErrAlreadyExists)
	}
	return nil
}

// ConsumeProtocolState returns and deletes the record atomically via GETDEL.
func (s *RedisStore) ConsumeProtocolState(ctx context.Context, tenantID, id string) (*ProtocolState, error) {
	data, err := s.client.GetDel(ctx, protocolKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: protocol state", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume protocol state: %w", err)
	}
	state := &ProtocolState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode protocol state: %w", err)
	}
	return state, nil
}

// -----------------------
// JourneyStateStore
// -----------------------

// GetState returns a journey state.
func (s *RedisStore) GetState(ctx context.Context, tenantID, journeyID string) (*JourneyState, error) {
	data, err := s.client.Get(ctx, journeyKey(tenantID, journeyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: journey %s", ErrNotFound, journeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journey state: %w", err)
	}
	state := &JourneyState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode journey state: %w", err)
	}
	return state, nil
}

func (s *RedisStore) journeyTTL(state *JourneyState) time.Duration {
	// Keep terminal states readable for a grace period so clients can
	// collect the outcome.
	ttl := time.Until(state.ExpiresAt)
	if state.Status.Terminal() {
		return 5 * time.Minute
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

// PutState writes the state unconditionally.
func (s *RedisStore) PutState(ctx context.Context, state *JourneyState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("journey ID cannot be empty")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize journey state: %w", err)
	}
	return s.client.Set(ctx, journeyKey(state.TenantID, state.ID), data, s.journeyTTL(state)).Err()
}

// UpdateState writes the state only if the stored LastActivityAt still
// matches, using WATCH so a concurrent writer aborts the transaction.
func (s *RedisStore) UpdateState(ctx context.Context, state *JourneyState, expectedActivity time.Time) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("journey ID cannot be empty")
	}
	key := journeyKey(state.TenantID, state.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: journey %s", ErrNotFound, state.ID)
		}
		if err != nil {
			return err
		}
		current := &JourneyState{}
		if err := json.Unmarshal(data, current); err != nil {
			return fmt.Errorf("failed to decode journey state: %w", err)
		}
		if !current.LastActivityAt.Equal(expectedActivity) {
			return fmt.Errorf("%w: journey state changed concurrently", ErrConflict)
		}

		next, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to serialize journey state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.journeyTTL(state))
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: journey state changed concurrently", ErrConflict)
	}
	return err
}

// DeleteState removes a journey state.
func (s *RedisStore) DeleteState(ctx context.Context, tenantID, journeyID string) error {
	n, err := s.client.Del(ctx, journeyKey(tenantID, journeyID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete journey state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: journey %s", ErrNotFound, journeyID)
	}
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// GetSession returns a live session. The TTL tracks the idle deadline; the
// absolute deadline is enforced on read.
func (s *RedisStore) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(tenantID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	now := time.Now()
	if now.After(sess.AbsoluteDeadline) || now.After(sess.IdleDeadline) {
		_ = s.client.Del(ctx, sessionKey(tenantID, sessionID)).Err()
		return nil, ErrExpired
	}
	return sess, nil
}

// PutSession stores a session with the idle deadline as the TTL.
func (s *RedisStore) PutSession(ctx context.Context, session *Session) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	ttl := time.Until(session.IdleDeadline)
	if abs := time.Until(session.AbsoluteDeadline); abs < ttl {
		ttl = abs
	}
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(session.TenantID, session.SessionID), data, ttl).Err()
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	n, err := s.client.Del(ctx, sessionKey(tenantID, sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	return nil
}

// TouchSession extends the idle deadline and the key TTL.
func (s *RedisStore) TouchSession(ctx context.Context, tenantID, sessionID string, idleDeadline time.Time) error {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	sess.IdleDeadline = idleDeadline
	return s.PutSession(ctx, sess)
}
