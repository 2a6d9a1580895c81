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
	"errors"
)

// ErrSessionNotFound is returned when no session exists for a client id.
var ErrSessionNotFound = errors.New("client session not found")

// Store is the durable session store consumed by the will-delivery engine.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetSession returns the session for the client id, or
	// ErrSessionNotFound. Sessions past their expiry interval are treated
	// as missing unless includeExpired is set.
	GetSession(ctx context.Context, clientID string, includeExpired bool) (*Session, error)
	// PutSession stores or replaces a session.
	PutSession(ctx context.Context, session *Session) error
	// DeleteSession removes a session. Removing a missing session is not
	// an error.
	DeleteSession(ctx context.Context, clientID string) error
	// PendingWills returns the authoritative snapshot of wills still
	// waiting to fire: every disconnected, unexpired session that carries
	// a will, keyed by client id, with the effective delay already capped
	// at the session expiry interval.
	PendingWills(ctx context.Context) (map[string]PendingWill, error)
	// RemoveWill durably clears the will from a session after it has been
	// published, so a restart does not deliver it again. Removing a will
	// from a missing session is not an error.
	RemoveWill(ctx context.Context, clientID string) error
}
