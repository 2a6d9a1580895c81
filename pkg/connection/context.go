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

// Package connection holds the per-connection state the broker attaches to
// a live network connection, and the accessors built on top of it: the
// in-flight window calculator and the identity token builder.
package connection

import (
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
)

// ClientState is the lifecycle state of a client connection.
type ClientState int

const (
	// StateConnecting is the initial state before CONNECT is processed.
	StateConnecting ClientState = iota
	// StateAuthenticating means an enhanced-auth exchange is in progress.
	StateAuthenticating
	// StateAuthenticated means the client passed authentication.
	StateAuthenticated
	// StateReAuthenticating means an authenticated client is performing a
	// re-authentication exchange. The client stays authenticated.
	StateReAuthenticating
	// StateDisconnecting means a DISCONNECT is being processed.
	StateDisconnecting
	// StateDisconnectedGracefully means the client sent DISCONNECT.
	StateDisconnectedGracefully
	// StateDisconnectedUnspecified means the connection dropped without a
	// DISCONNECT packet.
	StateDisconnectedUnspecified
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReAuthenticating:
		return "re-authenticating"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnectedGracefully:
		return "disconnected-gracefully"
	case StateDisconnectedUnspecified:
		return "disconnected-unspecified"
	default:
		return "unknown"
	}
}

// Listener describes the listener a connection arrived on.
type Listener struct {
	Name    string
	Address string
	Port    int
	TLS     bool
}

// Context is the per-connection state owned by a live connection for its
// lifetime. It is constructed at accept time and destroyed when the
// connection closes. All accessors are safe for concurrent use.
type Context struct {
	mu sync.RWMutex

	// clientID is set once when CONNECT is processed and immutable after.
	clientID string

	// receiveMaximum is the client's negotiated receive maximum. Nil means
	// the client sent none and the server default applies.
	receiveMaximum *int

	// inFlight counts unacknowledged outbound messages. Nil until the
	// first in-flight message is tracked.
	inFlight *atomic.Int32

	// inFlightSent marks whether the initial burst of queued in-flight
	// messages has been written to the client after connect.
	inFlightSent bool

	// duplicateSession marks a connection that took over an existing live
	// session for the same client id.
	duplicateSession bool

	state       ClientState
	username    string
	hasUsername bool
	password    []byte
	certificate *x509.Certificate
	listener    *Listener
	remoteAddr  net.Addr
}

// NewContext creates the state for a freshly accepted connection.
func NewContext(remoteAddr net.Addr, listener *Listener) *Context {
	return &Context{
		state:      StateConnecting,
		remoteAddr: remoteAddr,
		listener:   listener,
	}
}

// SetClientID records the client id. The first non-empty value wins;
// subsequent calls are ignored.
func (c *Context) SetClientID(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientID == "" {
		c.clientID = clientID
	}
}

// ClientID returns the client id, or "" before CONNECT was processed.
func (c *Context) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// SetReceiveMaximum records the client's negotiated receive maximum.
func (c *Context) SetReceiveMaximum(max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveMaximum = &max
}

// ReceiveMaximum returns the negotiated receive maximum. The second return
// value is false when the client did not negotiate one.
func (c *Context) ReceiveMaximum() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.receiveMaximum == nil {
		return 0, false
	}
	return *c.receiveMaximum, true
}

// InFlightMessages returns the in-flight counter, or nil if no message was
// ever tracked for this connection.
func (c *Context) InFlightMessages() *atomic.Int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight
}

// EnsureInFlightMessages returns the in-flight counter, creating it on
// first use.
func (c *Context) EnsureInFlightMessages() *atomic.Int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == nil {
		c.inFlight = &atomic.Int32{}
	}
	return c.inFlight
}

// SetInFlightMessagesSent marks whether the initial burst of in-flight
// messages has been written after connect.
func (c *Context) SetInFlightMessagesSent(sent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlightSent = sent
}

// InFlightMessagesSent reports whether the initial burst of in-flight
// messages has been written after connect.
func (c *Context) InFlightMessagesSent() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlightSent
}

// SetDuplicateSession marks whether this connection took over a session
// that was still live.
func (c *Context) SetDuplicateSession(duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duplicateSession = duplicate
}

// DuplicateSession reports whether this connection took over a session that
// was still live.
func (c *Context) DuplicateSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.duplicateSession
}

// SetState records the client lifecycle state.
func (c *Context) SetState(state ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// State returns the client lifecycle state.
func (c *Context) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetAuthUsername records the username presented during authentication.
func (c *Context) SetAuthUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.hasUsername = true
}

// AuthUsername returns the username presented during authentication. The
// second return value is false when none was presented.
func (c *Context) AuthUsername() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.hasUsername
}

// SetAuthPassword records the password presented during authentication.
func (c *Context) SetAuthPassword(password []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
}

// AuthPassword returns the password presented during authentication, or nil.
func (c *Context) AuthPassword() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password
}

// SetAuthCertificate records the client certificate from the TLS handshake.
func (c *Context) SetAuthCertificate(cert *x509.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certificate = cert
}

// AuthCertificate returns the client certificate, or nil.
func (c *Context) AuthCertificate() *x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.certificate
}

// Listener returns the listener the connection arrived on, or nil.
func (c *Context) Listener() *Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

// RemoteAddr returns the remote network address, or nil.
func (c *Context) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// RemoteIP returns the remote IP address. The second return value is false
// when the remote address is absent or carries no IP.
func (c *Context) RemoteIP() (net.IP, bool) {
	addr := c.RemoteAddr()
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, a.IP != nil
	case *net.UDPAddr:
		return a.IP, a.IP != nil
	default:
		return nil, false
	}
}
