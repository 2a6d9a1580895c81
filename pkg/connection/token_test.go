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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFromContextNil(t *testing.T) {
	_, err := TokenFromContext(nil)
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = TokenFromContextAt(nil, time.Now())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestTokenFromContext(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 52000}
	listener := &Listener{Name: "tls-default", Port: 8883, TLS: true}

	c := NewContext(addr, listener)
	c.SetClientID("c1")
	c.SetAuthUsername("alice")
	c.SetAuthPassword([]byte("secret"))
	c.SetState(StateAuthenticated)

	token, err := TokenFromContext(c)
	require.NoError(t, err)

	assert.Equal(t, "c1", token.ClientID)
	assert.Equal(t, "alice", token.Username)
	assert.True(t, token.HasUsername)
	assert.Equal(t, []byte("secret"), token.Password)
	assert.Equal(t, addr, token.RemoteAddr)
	assert.Equal(t, listener, token.Listener)
	assert.True(t, token.Authenticated)
	assert.False(t, token.DuplicateSession)
	assert.Nil(t, token.DisconnectedAt)

	c.SetDuplicateSession(true)
	token, err = TokenFromContext(c)
	require.NoError(t, err)
	assert.True(t, token.DuplicateSession)
}

func TestTokenAuthenticatedStates(t *testing.T) {
	cases := []struct {
		state ClientState
		want  bool
	}{
		{StateConnecting, false},
		{StateAuthenticating, false},
		{StateAuthenticated, true},
		{StateReAuthenticating, true},
		{StateDisconnecting, false},
		{StateDisconnectedGracefully, false},
		{StateDisconnectedUnspecified, false},
	}

	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			c := NewContext(nil, nil)
			c.SetState(tc.state)

			token, err := TokenFromContext(c)
			require.NoError(t, err)
			assert.Equal(t, tc.want, token.Authenticated)
		})
	}
}

func TestTokenFromContextAt(t *testing.T) {
	c := NewContext(nil, nil)
	c.SetClientID("c1")
	disconnectedAt := time.Now()

	token, err := TokenFromContextAt(c, disconnectedAt)
	require.NoError(t, err)
	require.NotNil(t, token.DisconnectedAt)
	assert.Equal(t, disconnectedAt, *token.DisconnectedAt)
}

func TestTokenIsSnapshot(t *testing.T) {
	c := NewContext(nil, nil)
	c.SetClientID("c1")
	c.SetState(StateAuthenticated)

	token, err := TokenFromContext(c)
	require.NoError(t, err)

	// Later context mutations must not leak into the token.
	c.SetState(StateDisconnectedUnspecified)
	c.SetAuthUsername("late")

	assert.True(t, token.Authenticated)
	assert.False(t, token.HasUsername)
}
