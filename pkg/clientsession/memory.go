// Copyright 2023 The emqx-go Authors
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

package clientsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/turtacn/lastwill/pkg/storage"
)

const sessionKeyPrefix = "session:"

// MemoryStore is a Store backed by a generic key-value store, keeping
// sessions as JSON records. With the default in-memory backend it serves
// tests and single-process deployments that do not need restart recovery.
type MemoryStore struct {
	kv storage.Store

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryStore creates a session store over the given key-value store. A
// nil kv gets a fresh in-memory store.
func NewMemoryStore(kv storage.Store) *MemoryStore {
	if kv == nil {
		kv = storage.NewMemStore()
	}
	return &MemoryStore{
		kv:  kv,
		now: time.Now,
	}
}

// GetSession returns the stored session for the client id.
func (m *MemoryStore) GetSession(_ context.Context, clientID string, includeExpired bool) (*Session, error) {
	session, err := m.load(clientID)
	if err != nil {
		return nil, err
	}
	if !includeExpired && session.Expired(m.now().UnixMilli()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// PutSession stores or replaces a session.
func (m *MemoryStore) PutSession(_ context.Context, session *Session) error {
	if session == nil || session.ClientID == "" {
		return fmt.Errorf("session must have a client id")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ClientID, err)
	}
	return m.kv.Set(sessionKeyPrefix+session.ClientID, data)
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	return m.kv.Delete(sessionKeyPrefix + clientID)
}

// PendingWills scans the stored sessions and returns the wills still
// waiting to fire, keyed by client id.
func (m *MemoryStore) PendingWills(_ context.Context) (map[string]PendingWill, error) {
	keys, err := m.kv.Keys(sessionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	nowMillis := m.now().UnixMilli()
	pending := make(map[string]PendingWill)
	for _, key := range keys {
		clientID := key[len(sessionKeyPrefix):]
		session, err := m.load(clientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if session.Connected || session.Will == nil || session.Expired(nowMillis) {
			continue
		}
		pending[clientID] = PendingWill{
			DelayInterval: EffectiveDelay(session.Will.DelayInterval, session.ExpiryInterval),
			StartTime:     session.DisconnectedAt,
		}
	}
	return pending, nil
}

// RemoveWill clears the will from a stored session.
func (m *MemoryStore) RemoveWill(ctx context.Context, clientID string) error {
	session, err := m.load(clientID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if session.Will == nil {
		return nil
	}
	session.Will = nil
	return m.PutSession(ctx, session)
}

func (m *MemoryStore) load(clientID string) (*Session, error) {
	data, err := m.kv.Get(sessionKeyPrefix + clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", clientID, err)
	}
	return &session, nil
}
