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

// Package storage provides a generic key-value store interface and an
// in-memory implementation. The client-session layer uses it to persist
// serialized session records that must survive a broker restart.
package storage

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for a generic key-value store holding
// serialized records. Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set adds or replaces the value stored under key.
	Set(key string, value []byte) error
	// Delete removes the value stored under key. Deleting a missing key is
	// not an error.
	Delete(key string) error
	// Keys returns every stored key with the given prefix. The result is a
	// snapshot; concurrent writes may or may not be reflected.
	Keys(prefix string) ([]string, error)
}

// MemStore is an in-memory implementation of the Store interface, guarded
// by a RWMutex so it is safe for concurrent use.
type MemStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemStore creates and returns a new, empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value from the in-memory store.
func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set adds or updates a value in the in-memory store.
func (s *MemStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns a snapshot of all keys with the given prefix.
func (s *MemStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
