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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 52000}
	listener := &Listener{Name: "tcp-default", Address: "0.0.0.0", Port: 1883}

	c := NewContext(addr, listener)
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, addr, c.RemoteAddr())
	assert.Equal(t, listener, c.Listener())
	assert.Empty(t, c.ClientID())
}

func TestClientIDFirstValueWins(t *testing.T) {
	c := NewContext(nil, nil)

	c.SetClientID("")
	assert.Empty(t, c.ClientID())

	c.SetClientID("c1")
	assert.Equal(t, "c1", c.ClientID())

	c.SetClientID("c2")
	assert.Equal(t, "c1", c.ClientID())
}

func TestReceiveMaximum(t *testing.T) {
	c := NewContext(nil, nil)

	_, ok := c.ReceiveMaximum()
	assert.False(t, ok)

	c.SetReceiveMaximum(30)
	got, ok := c.ReceiveMaximum()
	require.True(t, ok)
	assert.Equal(t, 30, got)
}

func TestInFlightCounter(t *testing.T) {
	c := NewContext(nil, nil)

	assert.Nil(t, c.InFlightMessages())

	counter := c.EnsureInFlightMessages()
	require.NotNil(t, counter)
	counter.Add(3)

	// The same counter comes back on later calls.
	assert.Same(t, counter, c.EnsureInFlightMessages())
	assert.Same(t, counter, c.InFlightMessages())
	assert.Equal(t, int32(3), c.InFlightMessages().Load())
}

func TestAuthFields(t *testing.T) {
	c := NewContext(nil, nil)

	_, ok := c.AuthUsername()
	assert.False(t, ok)
	assert.Nil(t, c.AuthPassword())

	c.SetAuthUsername("alice")
	c.SetAuthPassword([]byte("secret"))

	username, ok := c.AuthUsername()
	require.True(t, ok)
	assert.Equal(t, "alice", username)
	assert.Equal(t, []byte("secret"), c.AuthPassword())
}

func TestRemoteIP(t *testing.T) {
	tcp := NewContext(&net.TCPAddr{IP: net.ParseIP("192.168.1.5"), Port: 1883}, nil)
	ip, ok := tcp.RemoteIP()
	require.True(t, ok)
	assert.Equal(t, "192.168.1.5", ip.String())

	udp := NewContext(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1883}, nil)
	_, ok = udp.RemoteIP()
	assert.True(t, ok)

	none := NewContext(nil, nil)
	_, ok = none.RemoteIP()
	assert.False(t, ok)
}

func TestClientStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "re-authenticating", StateReAuthenticating.String())
	assert.Equal(t, "disconnected-gracefully", StateDisconnectedGracefully.String())
	assert.Equal(t, "unknown", ClientState(99).String())
}
