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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresOptions holds the connection settings for a PostgresStore.
type PostgresOptions struct {
	Host         string
	Port         int
	Username     string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// PostgresStore is a Store backed by a PostgreSQL database. Sessions live in
// a single table; the will document is a nullable JSONB column so clearing
// a published will is one UPDATE.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS client_sessions (
	client_id       TEXT PRIMARY KEY,
	connected       BOOLEAN NOT NULL,
	disconnected_at BIGINT NOT NULL,
	expiry_interval BIGINT NOT NULL,
	will            JSONB
)`

// NewPostgresStore opens a connection pool to PostgreSQL and ensures the
// session table exists.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		opts.Host, opts.Port, opts.Username, opts.Password, opts.Database, opts.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create client_sessions table: %w", err)
	}

	return &PostgresStore{db: db, now: time.Now}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// GetSession returns the stored session for the client id.
func (p *PostgresStore) GetSession(ctx context.Context, clientID string, includeExpired bool) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT client_id, connected, disconnected_at, expiry_interval, will
		 FROM client_sessions WHERE client_id = $1`, clientID)

	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if !includeExpired && session.Expired(p.now().UnixMilli()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// PutSession stores or replaces a session.
func (p *PostgresStore) PutSession(ctx context.Context, session *Session) error {
	if session == nil || session.ClientID == "" {
		return fmt.Errorf("session must have a client id")
	}

	var will any
	if session.Will != nil {
		data, err := json.Marshal(session.Will)
		if err != nil {
			return fmt.Errorf("failed to marshal will for %s: %w", session.ClientID, err)
		}
		will = data
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO client_sessions (client_id, connected, disconnected_at, expiry_interval, will)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (client_id) DO UPDATE SET
			connected = EXCLUDED.connected,
			disconnected_at = EXCLUDED.disconnected_at,
			expiry_interval = EXCLUDED.expiry_interval,
			will = EXCLUDED.will`,
		session.ClientID, session.Connected, session.DisconnectedAt, session.ExpiryInterval, will)
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", session.ClientID, err)
	}
	return nil
}

// DeleteSession removes a session.
func (p *PostgresStore) DeleteSession(ctx context.Context, clientID string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM client_sessions WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", clientID, err)
	}
	return nil
}

// PendingWills returns the wills still waiting to fire: every disconnected,
// unexpired session that carries a will.
func (p *PostgresStore) PendingWills(ctx context.Context) (map[string]PendingWill, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT client_id, disconnected_at, expiry_interval, will
		 FROM client_sessions
		 WHERE connected = FALSE AND will IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending wills: %w", err)
	}
	defer rows.Close()

	nowMillis := p.now().UnixMilli()
	pending := make(map[string]PendingWill)
	for rows.Next() {
		var (
			clientID       string
			disconnectedAt int64
			expiryInterval int64
			willData       []byte
		)
		if err := rows.Scan(&clientID, &disconnectedAt, &expiryInterval, &willData); err != nil {
			return nil, fmt.Errorf("failed to scan pending will row: %w", err)
		}
		var will Will
		if err := json.Unmarshal(willData, &will); err != nil {
			return nil, fmt.Errorf("failed to unmarshal will for %s: %w", clientID, err)
		}
		session := Session{
			ClientID:       clientID,
			DisconnectedAt: disconnectedAt,
			ExpiryInterval: expiryInterval,
		}
		if session.Expired(nowMillis) {
			continue
		}
		pending[clientID] = PendingWill{
			DelayInterval: EffectiveDelay(will.DelayInterval, expiryInterval),
			StartTime:     disconnectedAt,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending wills: %w", err)
	}
	return pending, nil
}

// RemoveWill clears the will column for a session.
func (p *PostgresStore) RemoveWill(ctx context.Context, clientID string) error {
	if _, err := p.db.ExecContext(ctx,
		`UPDATE client_sessions SET will = NULL WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("failed to remove will for %s: %w", clientID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session  Session
		willData []byte
	)
	err := row.Scan(&session.ClientID, &session.Connected, &session.DisconnectedAt,
		&session.ExpiryInterval, &willData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	if willData != nil {
		var will Will
		if err := json.Unmarshal(willData, &will); err != nil {
			return nil, fmt.Errorf("failed to unmarshal will for %s: %w", session.ClientID, err)
		}
		session.Will = &will
	}
	return &session, nil
}
