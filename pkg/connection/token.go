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

package connection

import (
	"crypto/x509"
	"errors"
	"net"
	"time"
)

// ErrNilContext is returned when a token is requested for an absent
// connection context.
var ErrNilContext = errors.New("connection context must not be nil")

// ClientToken is an immutable snapshot of a connection's identity, taken on
// demand for audit, disconnect and authorization paths. It copies the
// context's fields and never observes later mutations.
type ClientToken struct {
	ClientID         string
	Username         string
	HasUsername      bool
	Password         []byte
	Certificate      *x509.Certificate
	DuplicateSession bool
	RemoteAddr       net.Addr
	Listener         *Listener
	Authenticated    bool
	// DisconnectedAt is set on tokens built for disconnect handling.
	DisconnectedAt *time.Time
}

// TokenFromContext builds an identity snapshot from a connection context.
func TokenFromContext(c *Context) (*ClientToken, error) {
	return buildToken(c, nil)
}

// TokenFromContextAt builds an identity snapshot carrying the disconnect
// timestamp, for use on the disconnect path.
func TokenFromContextAt(c *Context, disconnectedAt time.Time) (*ClientToken, error) {
	return buildToken(c, &disconnectedAt)
}

func buildToken(c *Context, disconnectedAt *time.Time) (*ClientToken, error) {
	if c == nil {
		return nil, ErrNilContext
	}

	username, hasUsername := c.AuthUsername()
	state := c.State()

	return &ClientToken{
		ClientID:         c.ClientID(),
		Username:         username,
		HasUsername:      hasUsername,
		Password:         c.AuthPassword(),
		Certificate:      c.AuthCertificate(),
		DuplicateSession: c.DuplicateSession(),
		RemoteAddr:       c.RemoteAddr(),
		Listener:         c.Listener(),
		// Clients are seen as authenticated in both states.
		Authenticated:  state == StateAuthenticated || state == StateReAuthenticating,
		DisconnectedAt: disconnectedAt,
	}, nil
}
