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

// MaxInflightWindow returns the effective in-flight window for a
// connection: the client's negotiated receive maximum capped at the
// server-wide ceiling. A client that negotiated nothing gets the ceiling.
func MaxInflightWindow(c *Context, serverMax int) int {
	receiveMaximum, ok := c.ReceiveMaximum()
	if !ok {
		return serverMax
	}
	if receiveMaximum < serverMax {
		return receiveMaximum
	}
	return serverMax
}

// MessagesInFlight reports whether the connection currently has messages in
// flight. Until the initial burst of queued messages has been written the
// answer is conservatively true. After that it is true iff the in-flight
// counter exists and is positive. Never blocks.
func MessagesInFlight(c *Context) bool {
	if !c.InFlightMessagesSent() {
		return true
	}
	inFlight := c.InFlightMessages()
	if inFlight == nil {
		return false
	}
	return inFlight.Load() > 0
}
